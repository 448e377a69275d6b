package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/pkg/logger"
)

// redisLister 是 Redis 队列用到的列表命令，*goredis.Client 满足该接口。
type redisLister interface {
	LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
}

// RedisQueue 使用 Redis list 实现任务队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redisLister
	closer func() error
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 使用已连接的客户端创建队列。
func NewRedisQueue(client *goredis.Client, queue string, blockWait time.Duration) *RedisQueue {
	q := newRedisQueue(client, queue, blockWait)
	q.closer = client.Close
	return q
}

func newRedisQueue(client redisLister, queue string, blockWait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "llmcore:jobs"
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: blockWait, log: logger.Named("job.redis")}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务，处理失败时重新投递到队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := ctx.Err(); err != nil {
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, goredis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(ctx, jobID); handlerErr != nil {
					q.log.Warn("处理任务失败，重新入队", slog.String("job_id", jobID), slog.Any("error", handlerErr))
					_ = q.client.LPush(ctx, q.queue, jobID).Err()
				}
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case result = <-errCh:
		cancel()
	}
	wg.Wait()
	return result
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.closer == nil {
		return nil
	}
	return q.closer()
}
