package job

import (
	"context"
	"fmt"
	"strings"

	"OpenLLM-Core/internal/config"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/observability/alerting"
	"OpenLLM-Core/internal/storage/redis"
	"OpenLLM-Core/internal/storage/sqldb"
)

// NewStore 按 jobs.store.driver 构建存储：memory、mysql 或 sqlite。
func NewStore(ctx context.Context, cfg config.SQLConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		db, err := sqldb.Open(ctx, sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db)
	}
}

// NewQueue 按 jobs.queue.driver 构建队列：memory、redis 或 rabbitmq。
func NewQueue(ctx context.Context, cfg config.QueueConfig, workers int) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(1024), nil
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, redis.KeyOr(cfg.Redis, "llmcore:jobs"), 0), nil
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ, workers)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务队列: %s", cfg.Driver))
	}
}

// NewAlerter 构建告警派发器，审计日志始终启用。
func NewAlerter(cfg config.JobsConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.AlertWebhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.AlertWebhook})
	}
	return alerting.NewFanout(notifiers...)
}
