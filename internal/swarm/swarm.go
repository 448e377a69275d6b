// Package swarm runs batches of independent model calls under a concurrency
// bound and returns their outcomes in input order.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenLLM-Core/internal/conversation"
	"OpenLLM-Core/internal/dispatch"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/pkg/logger"
)

// Task 是一次独立调用。实现应尊重 ctx 的取消。
type Task func(ctx context.Context) (*llm.ResponsePayload, error)

// Result 是单个槽位的终态，Payload 与 Err 恰有一个非空。
type Result struct {
	Index    int                  `json:"index"`
	Payload  *llm.ResponsePayload `json:"payload,omitempty"`
	Err      error                `json:"-"`
	Duration time.Duration        `json:"duration"`
}

// OK 判断调用是否成功。
func (r Result) OK() bool { return r.Err == nil }

// Executor 以有界并发执行任务。
type Executor struct {
	limit   int
	timeout time.Duration
	log     *slog.Logger
}

// Option 调整 Executor。
type Option func(*Executor)

// WithLimit 设置同时进行的调用数上限。
func WithLimit(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithCallTimeout 设置单次调用的超时，0 表示不限制。
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// New 创建执行器，默认并发上限为 4。
func New(opts ...Option) *Executor {
	e := &Executor{limit: 4, log: logger.Named("swarm")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Limit 返回并发上限。
func (e *Executor) Limit() int { return e.limit }

// Run 执行全部任务，结果与 tasks 按下标对齐。单个任务失败或超时不会影响其他任务。
func (e *Executor) Run(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var g errgroup.Group
	g.SetLimit(e.limit)

	var failed atomic.Int32
	started := time.Now()
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = e.runOne(ctx, i, task)
			if results[i].Err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.log.Debug("swarm finished",
		slog.Int("calls", len(tasks)),
		slog.Int("failed", int(failed.Load())),
		slog.Int("limit", e.limit),
		slog.Duration("elapsed", time.Since(started)),
	)
	return results
}

func (e *Executor) runOne(parent context.Context, index int, task Task) Result {
	res := Result{Index: index}
	if task == nil {
		res.Err = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("swarm task %d is nil", index))
		return res
	}
	if err := parent.Err(); err != nil {
		res.Err = err
		return res
	}

	ctx, cancel := parent, context.CancelFunc(func() {})
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.timeout)
	}
	defer cancel()

	type outcome struct {
		payload *llm.ResponsePayload
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("swarm task panicked: %v", r))}
			}
		}()
		p, err := task(ctx)
		done <- outcome{payload: p, err: err}
	}()

	select {
	case out := <-done:
		res.Payload, res.Err = out.payload, out.err
		if res.Err == nil && res.Payload == nil {
			res.Err = xerrors.New(xerrors.CodeResponseParse, fmt.Sprintf("swarm task %d returned no payload", index))
		}
	case <-ctx.Done():
		res.Err = ctx.Err()
		// 结果按超时记录，但槽位要等任务真正返回才释放，否则在途调用会超过并发上限。
		defer func() { <-done }()
	}
	res.Duration = time.Since(start)

	// 父 ctx 未结束而本槽位超时，统一记为 TIMEOUT。
	if res.Err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) &&
		xerrors.CodeOf(res.Err) != xerrors.CodeTimeout {
		res.Payload = nil
		res.Err = xerrors.Timeout(res.Err, fmt.Sprintf("swarm call %d exceeded %s", index, e.timeout))
	}
	if res.Err != nil {
		e.log.Warn("swarm call failed", slog.Int("index", index), slog.Any("error", res.Err))
	}
	return res
}

// Calls 把请求包装成经由 dispatcher 执行的任务。
func Calls(executor dispatch.Executor, requests []llm.CallRequest) []Task {
	tasks := make([]Task, len(requests))
	for i, req := range requests {
		req = req.Clone()
		tasks[i] = func(ctx context.Context) (*llm.ResponsePayload, error) {
			return executor.Execute(ctx, req)
		}
	}
	return tasks
}

// Turn 把一次会话轮次包装成任务，返回该轮最终的响应。
func Turn(conv *conversation.Conversation, text, label string) Task {
	return func(ctx context.Context) (*llm.ResponsePayload, error) {
		res, err := conv.Send(ctx, text, label)
		if err != nil {
			return nil, err
		}
		return res.Response, nil
	}
}

// RunCalls 是 Run(ctx, Calls(executor, requests)) 的简写。
func (e *Executor) RunCalls(ctx context.Context, executor dispatch.Executor, requests []llm.CallRequest) []Result {
	return e.Run(ctx, Calls(executor, requests))
}
