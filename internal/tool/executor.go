package tool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/pkg/logger"
)

// Policy 决定同一批工具调用的执行方式。
type Policy string

const (
	// Sequential 按顺序逐个执行。
	Sequential Policy = "sequential"
	// ConcurrentSafe 让声明了并发安全的相邻工具并行执行，其余仍按顺序执行。
	ConcurrentSafe Policy = "concurrent_safe"
)

// ParsePolicy 解析配置中的策略名称，空值视为 Sequential。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Sequential:
		return Sequential, nil
	case ConcurrentSafe:
		return ConcurrentSafe, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown tool policy %q", s))
	}
}

type job struct {
	ctx   context.Context
	tool  Tool
	call  llm.ToolCall
	reply chan<- Result
}

// Executor 是执行工具调用的工作池。对话循环通过 channel 提交调用并等待结果，
// 工具本身在独立的协程中阻塞运行。
type Executor struct {
	policy  Policy
	workers int
	jobs    chan job
	log     *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// ExecutorOption 调整 Executor。
type ExecutorOption func(*Executor)

// WithWorkers 设置工作协程数量。
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPolicy 设置批次执行策略。
func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// NewExecutor 创建工作池，协程在第一次提交时启动。
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:  Sequential,
		workers: 4,
		log:     logger.Named("tool"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.jobs = make(chan job)
	return e
}

// Policy 返回当前策略。
func (e *Executor) Policy() Policy { return e.policy }

func (e *Executor) start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.jobs {
		j.reply <- e.invoke(j)
	}
}

// invoke 执行单个工具，panic 会转换为 TOOL_EXECUTION_ERROR。
func (e *Executor) invoke(j job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool panicked",
				slog.String("tool", j.call.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = failed(j.call, xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("tool panicked: %v", r)))
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return failed(j.call, err)
	}
	out, err := j.tool.Invoke(j.ctx, llm.NormalizeArguments(j.call.Arguments))
	if err != nil {
		e.log.Warn("tool failed", slog.String("tool", j.call.Name), slog.Any("error", err))
		return failed(j.call, err)
	}
	return Result{CallID: j.call.ID, Name: j.call.Name, Content: out}
}

// submit 把调用交给工作池，返回接收结果的 channel。
func (e *Executor) submit(ctx context.Context, t Tool, call llm.ToolCall) <-chan Result {
	reply := make(chan Result, 1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		reply <- failed(call, xerrors.New(xerrors.CodeToolExecution, "tool executor is closed"))
		return reply
	}
	e.start()
	select {
	case e.jobs <- job{ctx: ctx, tool: t, call: call, reply: reply}:
	case <-ctx.Done():
		reply <- failed(call, ctx.Err())
	}
	return reply
}

func await(ctx context.Context, call llm.ToolCall, reply <-chan Result) Result {
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return failed(call, ctx.Err())
	}
}

// Run 执行一批工具调用，结果与 calls 按下标对齐。未知工具返回失败结果而不会中断批次。
func (e *Executor) Run(ctx context.Context, lib *Library, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))
	var pending []int

	flush := func() {
		replies := make([]<-chan Result, len(pending))
		for i, idx := range pending {
			t, _ := lib.Lookup(calls[idx].Name)
			replies[i] = e.submit(ctx, t, calls[idx])
		}
		for i, idx := range pending {
			results[idx] = await(ctx, calls[idx], replies[i])
		}
		pending = pending[:0]
	}

	for i, call := range calls {
		t, ok := lib.Lookup(call.Name)
		if !ok {
			results[i] = NotFound(call)
			continue
		}
		if e.policy == ConcurrentSafe && IsConcurrencySafe(t) {
			pending = append(pending, i)
			continue
		}
		flush()
		results[i] = await(ctx, call, e.submit(ctx, t, call))
	}
	flush()
	return results
}

// Close 停止工作协程并等待正在执行的工具返回。
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.jobs)
		e.mu.Unlock()
		e.wg.Wait()
	})
	return nil
}
