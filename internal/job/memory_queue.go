package job

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/pkg/logger"
)

// MemoryQueue 是基于带缓冲 channel 的进程内队列，进程退出后未消费的任务丢失，
// 任务状态仍保存在 Store 中。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 投递任务 ID，队列已满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithMetadata("job_id", jobID))
	default:
	}
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithMetadata("job_id", jobID))
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- jobID:
		return nil
	}
}

// Consume 启动 workerCount 个协程处理任务，直到 ctx 结束或队列关闭。
// 处理失败只记录日志，重新入队由处理器负责。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("job.queue")
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					if err := handler(ctx, jobID); err != nil {
						log.Warn("任务处理失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
