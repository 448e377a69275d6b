// Package retry implements exponential backoff with jitter for provider calls.
package retry

import (
	"context"
	stdErrors "errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.25
)

// Policy 描述重试次数与退避时间，可被多个协程共享。
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      float64

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// Option 调整 Policy。
type Option func(*Policy)

// WithMaxAttempts 设置包含首次在内的最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBaseDelay 设置第一次重试前的等待时间。
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.baseDelay = d
		}
	}
}

// WithMaxDelay 设置单次等待的上限（不含抖动）。
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.maxDelay = d
		}
	}
}

// WithMultiplier 设置指数增长倍数。
func WithMultiplier(m float64) Option {
	return func(p *Policy) {
		if m >= 1 {
			p.multiplier = m
		}
	}
}

// WithJitter 设置抖动比例，抖动取值范围为 [0, delay*j]。
func WithJitter(j float64) Option {
	return func(p *Policy) {
		if j >= 0 && j <= 1 {
			p.jitter = j
		}
	}
}

// WithSeed 使用固定种子，便于复现。
func WithSeed(seed uint64) Option {
	return func(p *Policy) {
		p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand 注入随机数源。
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) {
		if r != nil {
			p.rng = r
		}
	}
}

// WithSleep 替换等待函数，测试中使用。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// New 构造 Policy，未指定的参数使用默认值。
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		multiplier:  DefaultMultiplier,
		jitter:      DefaultJitter,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.rng == nil {
		seed := uint64(time.Now().UnixNano())
		p.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return p
}

// MaxAttempts 返回最大尝试次数。
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// BaseDelay 返回 attempt 次失败后不含抖动的等待时间，attempt 从 1 开始。
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt-1))
	if d > float64(p.maxDelay) || math.IsInf(d, 0) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// Delay 返回 attempt 次失败后的等待时间，结果位于 [base, base*(1+jitter)]。
func (p *Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	span := int64(float64(base) * p.jitter)
	if span <= 0 {
		return base
	}
	p.mu.Lock()
	extra := p.rng.Int64N(span + 1)
	p.mu.Unlock()
	return base + time.Duration(extra)
}

// Retryable 判断错误是否值得重试：超时、网络错误、429 与 5xx。
func Retryable(err error) bool {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return false
	}
	if status := xerrors.APIStatus(err); status != 0 {
		return status == 429 || status >= 500
	}
	return xerrors.HasCode(err, xerrors.CodeNetwork) || xerrors.HasCode(err, xerrors.CodeTimeout)
}

// Do 执行 fn 直到成功、遇到不可重试错误或次数耗尽，返回实际尝试次数。
// 次数耗尽时返回包裹最后一次错误的 MAX_RETRIES_EXCEEDED。
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, contextError(err, lastErr)
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if err := ctx.Err(); err != nil {
			return attempt, contextError(err, lastErr)
		}
		if !Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, contextError(err, lastErr)
		}
	}
	return p.maxAttempts, xerrors.Wrap(xerrors.CodeMaxRetriesExceeded, lastErr, "")
}

func contextError(ctxErr, last error) error {
	if stdErrors.Is(ctxErr, context.DeadlineExceeded) {
		if last == nil {
			last = ctxErr
		}
		return xerrors.Timeout(last, "call deadline exceeded")
	}
	return ctxErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
