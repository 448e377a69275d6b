// Package dispatch executes one logical model call: it selects the strategy,
// formats the request once, sends it under the retry policy, parses the reply
// and reports exactly one usage record when the provider was reached.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/llm/fallback"
	"OpenLLM-Core/internal/llm/provider"
	"OpenLLM-Core/internal/retry"
	"OpenLLM-Core/internal/usage"
	"OpenLLM-Core/pkg/logger"
)

// 默认标签，调用方未提供时按请求形态选择。
const (
	LabelConvo       = "convo"
	LabelConvoTools  = "convo with tools"
	LabelConvoSchema = "convo with schema"
)

// Resolver 按模型 ID 查询绑定，*provider.Registry 满足该接口。
type Resolver interface {
	Resolve(model string) (*provider.Binding, error)
}

// Executor 是对外暴露的单次调用接口，会话与批量执行器依赖它。
type Executor interface {
	Execute(ctx context.Context, req llm.CallRequest) (*llm.ResponsePayload, error)
}

// Dispatcher 不保存调用间的可变状态，可被多个协程共享。
type Dispatcher struct {
	resolver  Resolver
	transport Transport
	policy    *retry.Policy
	sink      usage.Sink
	log       *slog.Logger
	now       func() time.Time
}

// Option 调整 Dispatcher。
type Option func(*Dispatcher)

// WithTransport 替换传输层。
func WithTransport(t Transport) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.transport = t
		}
	}
}

// WithPolicy 设置重试策略。
func WithPolicy(p *retry.Policy) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.policy = p
		}
	}
}

// WithSink 设置用量 sink。
func WithSink(s usage.Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sink = s
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New 创建 Dispatcher。
func New(resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:  resolver,
		transport: NewHTTPTransport(),
		policy:    retry.New(),
		sink:      usage.NewMemory(),
		log:       logger.Named("dispatch"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// prepared 是一次逻辑调用在发送前计算好的全部内容，重试时复用。
type prepared struct {
	binding  *provider.Binding
	strategy llm.Strategy
	plan     fallback.Plan
	wire     *llm.WireRequest
}

// Execute 执行一次逻辑调用。
func (d *Dispatcher) Execute(ctx context.Context, req llm.CallRequest) (*llm.ResponsePayload, error) {
	req = req.Clone()
	p, err := d.prepare(req)
	if err != nil {
		d.log.Debug("call rejected before dispatch", slog.String("model", req.Model), slog.Any("error", err))
		return nil, err
	}
	desc := p.binding.Descriptor
	start := d.now()

	var (
		reached bool
		body    []byte
	)
	attempts, err := d.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if p.binding.Limiter != nil {
			if werr := p.binding.Limiter.Wait(ctx); werr != nil {
				if ctx.Err() == context.Canceled {
					return ctx.Err()
				}
				return xerrors.Timeout(werr, "rate limiter wait")
			}
		}
		resp, derr := d.transport.Do(ctx, p.wire)
		if resp.Reached() {
			reached = true
		}
		d.log.Debug("provider attempt",
			slog.String("model", desc.ID),
			slog.Int("attempt", attempt),
			slog.Int("status", resp.Status),
			slog.Any("error", derr),
		)
		if derr != nil {
			return derr
		}
		body = resp.Body
		return nil
	})

	var payload *llm.ResponsePayload
	if err == nil {
		payload, err = p.binding.Adapter.ParseResponse(body)
		if err == nil {
			err = d.finish(p, req, payload)
		}
	}
	latency := d.now().Sub(start)

	if payload == nil {
		payload = &llm.ResponsePayload{}
	}
	payload.Provider = desc.Provider
	payload.Model = desc.ID
	payload.Strategy = p.strategy
	payload.Attempts = attempts
	payload.Cost = desc.Cost(payload.Usage)

	if err != nil {
		if reached {
			d.record(ctx, req, payload, latency, err)
		}
		d.log.Warn("llm call failed",
			slog.String("model", desc.ID),
			slog.String("strategy", string(p.strategy)),
			slog.Int("attempts", attempts),
			slog.Bool("billed", reached),
			slog.Any("error", err),
		)
		return nil, err
	}

	d.record(ctx, req, payload, latency, nil)
	d.log.Info("llm call completed",
		slog.String("model", desc.ID),
		slog.String("strategy", string(p.strategy)),
		slog.Int("attempts", attempts),
		slog.Int("input_tokens", payload.Usage.InputTokens),
		slog.Int("output_tokens", payload.Usage.OutputTokens),
		slog.Duration("latency", latency),
	)
	return payload, nil
}

// prepare 校验请求、解析绑定、选择策略并格式化请求。失败时请求不会离开进程。
func (d *Dispatcher) prepare(req llm.CallRequest) (*prepared, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "messages must not be empty")
	}
	if req.HasTools() && req.HasSchema() {
		return nil, xerrors.Unsupported("tools and schema cannot be requested in the same call")
	}
	if req.HasSchema() {
		if err := req.Schema.Validate(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid schema")
		}
	}
	if d.resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher has no provider registry")
	}
	binding, err := d.resolver.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	strategy := llm.SelectStrategy(binding.Capabilities, req.HasTools(), req.HasSchema())
	in := llm.WireInput{
		Tag:       binding.Descriptor.Tag,
		Messages:  req.Messages,
		Sampling:  req.Sampling,
		Reasoning: binding.Descriptor.Reasoning,
		Strategy:  strategy,
		Endpoint:  binding.Endpoint,
	}
	p := &prepared{binding: binding, strategy: strategy}

	switch {
	case strategy == llm.PromptFallback:
		p.plan = fallback.NewPlan(req)
		in.Messages = p.plan.Messages(req.Messages)
	case req.HasTools():
		in.Tools = req.Tools
	case req.HasSchema():
		in.Schema = req.Schema
	}
	// 不支持原生工具的服务商无法理解 tool 角色的消息。
	if strategy != llm.PromptFallback && !binding.Capabilities.Tools {
		in.Messages = fallback.FlattenHistory(in.Messages)
	}
	if binding.Descriptor.Reasoning == llm.ReasoningPrompt {
		in.Messages = fallback.PrependSystem(in.Messages, llm.ReasoningInstruction)
	}

	wire, err := binding.Adapter.FormatRequest(in)
	if err != nil {
		return nil, err
	}
	p.wire = wire
	return p, nil
}

// finish 按策略对解析结果做最后处理。
func (d *Dispatcher) finish(p *prepared, req llm.CallRequest, payload *llm.ResponsePayload) error {
	switch p.strategy {
	case llm.PromptFallback:
		return p.plan.Apply(payload)
	case llm.NativeSchema:
		return normalizeSchema(payload, *req.Schema)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, req llm.CallRequest, payload *llm.ResponsePayload, latency time.Duration, callErr error) {
	rec := usage.Record{
		SessionID:    req.SessionID,
		Provider:     payload.Provider,
		Model:        payload.Model,
		Label:        labelFor(req),
		Strategy:     string(payload.Strategy),
		InputTokens:  payload.Usage.InputTokens,
		OutputTokens: payload.Usage.OutputTokens,
		Cost:         payload.Cost,
		Success:      callErr == nil,
		Attempts:     payload.Attempts,
		Latency:      latency,
		Timestamp:    d.now().UTC(),
	}
	if callErr != nil {
		rec.ErrorCode = string(xerrors.CodeOf(callErr))
	}
	// 用量写入失败不影响调用结果。
	if err := d.sink.LogTurn(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("usage sink failed", slog.String("model", rec.Model), slog.Any("error", err))
	}
}

// labelFor 返回调用方提供的标签，缺省时按请求形态生成。
func labelFor(req llm.CallRequest) string {
	switch {
	case req.Label != "":
		return req.Label
	case req.HasTools():
		return LabelConvoTools
	case req.HasSchema():
		return LabelConvoSchema
	default:
		return LabelConvo
	}
}
