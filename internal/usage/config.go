package usage

import (
	"context"
	"fmt"

	"OpenLLM-Core/internal/config"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/observability/metrics"
	"OpenLLM-Core/internal/storage/redis"
	"OpenLLM-Core/internal/storage/sqldb"
)

// Metrics 把记录转换为 Prometheus 指标。
type Metrics struct{}

// LogTurn 记录调用指标。
func (Metrics) LogTurn(_ context.Context, record Record) error {
	metrics.ObserveCall(metrics.Call{
		Provider:     record.Provider,
		Model:        record.Model,
		Strategy:     record.Strategy,
		Success:      record.Success,
		Attempts:     record.Attempts,
		InputTokens:  record.InputTokens,
		OutputTokens: record.OutputTokens,
		Cost:         record.Cost,
		Latency:      record.Latency,
	})
	return nil
}

// Built 是按配置构建的 sink 组合。
type Built struct {
	*Fanout
	// Memory 在启用 memory sink 时非空，供 API 查询。
	Memory *Memory
	// SQL 在启用 sql sink 时非空。
	SQL *SQL
}

// FromConfig 按配置构建全部 sink，并始终附加指标 sink。
func FromConfig(ctx context.Context, cfg config.UsageConfig) (*Built, error) {
	built := &Built{}
	sinks := []Sink{Metrics{}}
	fail := func(err error) (*Built, error) {
		_ = NewFanout(sinks...).Close()
		return nil, err
	}

	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, NewLogger(nil))
		case "memory":
			built.Memory = NewMemory()
			sinks = append(sinks, built.Memory)
		case "file":
			f, err := NewFile(cfg.FilePath)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, f)
		case "redis":
			client, err := redis.NewClient(ctx, cfg.Redis)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, NewRedis(client, redis.KeyOr(cfg.Redis, "llmcore:usage")))
		case "sql":
			db, err := sqldb.Open(ctx, sqldb.Config{Driver: cfg.SQL.Driver, DSN: cfg.SQL.DSN})
			if err != nil {
				return fail(err)
			}
			s, err := NewSQL(db)
			if err != nil {
				db.Close()
				return fail(err)
			}
			built.SQL = s
			sinks = append(sinks, s)
		case "rabbitmq":
			a, err := NewAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, a)
		default:
			return fail(xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的 usage sink: %s", name)))
		}
	}
	built.Fanout = NewFanout(sinks...)
	return built, nil
}
