package job

import "context"

// Handler 处理一条任务 ID。返回错误时由具体队列决定是否重新投递。
type Handler func(ctx context.Context, jobID string) error

// Producer 投递任务 ID。队列只传递 ID，任务内容以 Store 为准。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 以 workerCount 个并发消费者处理任务，阻塞直到 ctx 结束或队列关闭。
// Redis 与 RabbitMQ 实现为至少一次投递，Handler 需要幂等；Store.Claim 保证了这一点。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
