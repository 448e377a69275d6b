// Package conversation drives multi-turn exchanges with a model, including the
// tool-call loop. A Conversation owns its history and serializes its turns.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"OpenLLM-Core/internal/dispatch"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/tool"
	"OpenLLM-Core/pkg/logger"
)

// State 是会话状态机的状态。
type State string

const (
	Idle             State = "idle"
	AwaitingResponse State = "awaiting_response"
	ToolExecution    State = "tool_execution"
	Completed        State = "completed"
	Failed           State = "failed"
	MaxTurnsExceeded State = "max_turns_exceeded"
)

// Terminal 判断状态是否为一轮的终态。
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == MaxTurnsExceeded
}

// DefaultMaxToolRounds 是一轮内允许的工具往返次数。
const DefaultMaxToolRounds = 5

// Conversation 不能跨协程并发使用同一轮，Send 内部加锁串行化。
type Conversation struct {
	mu sync.Mutex

	id        string
	model     string
	executor  dispatch.Executor
	tools     *tool.Library
	runner    *tool.Executor
	ownRunner bool
	schema    *llm.Schema
	sampling  llm.Sampling
	maxRounds int
	observer  func(from, to State)
	log       *slog.Logger

	history []llm.Message
	state   State
}

// Option 调整 Conversation。
type Option func(*Conversation)

// WithID 指定会话 ID，默认生成 UUID。
func WithID(id string) Option {
	return func(c *Conversation) {
		if id != "" {
			c.id = id
		}
	}
}

// WithSystemPrompt 在历史开头放置系统提示。
func WithSystemPrompt(prompt string) Option {
	return func(c *Conversation) {
		if strings.TrimSpace(prompt) != "" {
			c.history = append([]llm.Message{llm.SystemMessage(prompt)}, c.history...)
		}
	}
}

// WithHistory 以已有消息初始化历史。
func WithHistory(messages []llm.Message) Option {
	return func(c *Conversation) {
		c.history = append(c.history, llm.CloneMessages(messages)...)
	}
}

// WithTools 设置可用工具。
func WithTools(lib *tool.Library) Option {
	return func(c *Conversation) { c.tools = lib }
}

// WithToolExecutor 使用共享的工具工作池。
func WithToolExecutor(runner *tool.Executor) Option {
	return func(c *Conversation) { c.runner = runner }
}

// WithSchema 要求每轮最终回答符合 schema。
func WithSchema(schema *llm.Schema) Option {
	return func(c *Conversation) { c.schema = schema }
}

// WithSampling 设置采样参数。
func WithSampling(s llm.Sampling) Option {
	return func(c *Conversation) { c.sampling = s }
}

// WithMaxToolRounds 设置一轮内工具往返的上限。
func WithMaxToolRounds(n int) Option {
	return func(c *Conversation) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WithObserver 在每次状态变化时回调，回调在持锁状态下执行，不能再调用会话方法。
func WithObserver(fn func(from, to State)) Option {
	return func(c *Conversation) { c.observer = fn }
}

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) {
		if l != nil {
			c.log = l
		}
	}
}

// New 创建会话。
func New(executor dispatch.Executor, model string, opts ...Option) (*Conversation, error) {
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "conversation requires an executor")
	}
	if strings.TrimSpace(model) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "conversation requires a model")
	}
	c := &Conversation{
		id:        uuid.NewString(),
		model:     model,
		executor:  executor,
		maxRounds: DefaultMaxToolRounds,
		state:     Idle,
		log:       logger.Named("conversation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.schema != nil && c.tools.Len() > 0 {
		return nil, xerrors.Unsupported("a conversation cannot combine tools with a response schema")
	}
	if c.tools.Len() > 0 && c.runner == nil {
		c.runner = tool.NewExecutor(tool.WithWorkers(1))
		c.ownRunner = true
	}
	return c, nil
}

// ID 返回会话 ID。
func (c *Conversation) ID() string { return c.id }

// Model 返回模型 ID。
func (c *Conversation) Model() string { return c.model }

// State 返回当前状态。
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History 返回历史副本。
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return llm.CloneMessages(c.history)
}

// Close 释放会话自建的工具工作池。
func (c *Conversation) Close() error {
	if c.ownRunner {
		return c.runner.Close()
	}
	return nil
}

// TurnResult 描述一轮的结果。
type TurnResult struct {
	State       State                `json:"state"`
	Response    *llm.ResponsePayload `json:"response,omitempty"`
	Calls       int                  `json:"calls"`
	ToolResults []ToolOutcome        `json:"tool_results,omitempty"`
	Usage       llm.Usage            `json:"usage"`
	Cost        float64              `json:"cost"`
}

// ToolOutcome 是一次工具调用在本轮中的结果摘要。
type ToolOutcome struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// Text 返回最终回答，结构化输出优先。
func (r *TurnResult) Text() string {
	if r == nil || r.Response == nil {
		return ""
	}
	if len(r.Response.Structured) > 0 {
		return string(r.Response.Structured)
	}
	return r.Response.Text
}

func (c *Conversation) transition(to State) {
	from := c.state
	c.state = to
	if c.observer != nil && from != to {
		c.observer(from, to)
	}
}

// Send 追加用户消息并运行一轮，label 会传给本轮的每次模型调用。
// 历史只追加不修改：失败轮次的用户消息保留在原处，下一次 Send 的消息紧随其后，
// 模型会在同一请求里看到两条相邻的用户消息。
func (c *Conversation) Send(ctx context.Context, text, label string) (*TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		c.transition(Idle)
	}
	c.history = append(c.history, llm.UserMessage(text))
	return c.run(ctx, label)
}

// run 执行 AwaitingResponse ↔ ToolExecution 循环，调用方必须持锁。
func (c *Conversation) run(ctx context.Context, label string) (*TurnResult, error) {
	result := &TurnResult{}
	log := c.log.With(slog.String("conversation_id", c.id), slog.String("model", c.model))
	rounds := 0
	for {
		c.transition(AwaitingResponse)
		payload, err := c.executor.Execute(ctx, c.request(label))
		result.Calls++
		if err != nil {
			c.transition(Failed)
			result.State = Failed
			log.Warn("conversation turn failed", slog.Int("calls", result.Calls), slog.Any("error", err))
			return result, err
		}
		result.Response = payload
		result.Usage.InputTokens += payload.Usage.InputTokens
		result.Usage.OutputTokens += payload.Usage.OutputTokens
		result.Cost += payload.Cost
		c.history = append(c.history, assistantMessage(payload))

		if !payload.HasToolCalls() {
			c.transition(Completed)
			result.State = Completed
			log.Debug("conversation turn completed", slog.Int("calls", result.Calls))
			return result, nil
		}

		if rounds >= c.maxRounds {
			// 保持 ToolCall 与结果一一对应，下一轮请求才是合法的。
			for _, call := range payload.ToolCalls {
				c.history = append(c.history, llm.ToolResultMessage(call.ID, call.Name,
					fmt.Sprintf("Tool '%s' was not executed: maximum tool rounds exceeded.", call.Name)))
			}
			c.transition(MaxTurnsExceeded)
			result.State = MaxTurnsExceeded
			err := xerrors.New(xerrors.CodeMaxTurnsExceeded,
				fmt.Sprintf("model kept requesting tools after %d rounds", c.maxRounds),
				xerrors.WithMetadata("conversation_id", c.id))
			log.Warn("conversation exceeded tool rounds", slog.Int("calls", result.Calls))
			return result, err
		}
		rounds++

		c.transition(ToolExecution)
		for _, res := range c.runTools(ctx, payload.ToolCalls) {
			outcome := ToolOutcome{CallID: res.CallID, Name: res.Name, Content: res.Content, Failed: res.Failed()}
			if res.Err != nil {
				outcome.Error = string(xerrors.CodeOf(res.Err))
			}
			result.ToolResults = append(result.ToolResults, outcome)
			c.history = append(c.history, res.Message())
		}
	}
}

func (c *Conversation) runTools(ctx context.Context, calls []llm.ToolCall) []tool.Result {
	if c.runner == nil {
		out := make([]tool.Result, len(calls))
		for i, call := range calls {
			out[i] = tool.NotFound(call)
		}
		return out
	}
	return c.runner.Run(ctx, c.tools, calls)
}

func (c *Conversation) request(label string) llm.CallRequest {
	return llm.CallRequest{
		Model:     c.model,
		Messages:  llm.CloneMessages(c.history),
		Tools:     c.tools.Definitions(),
		Schema:    c.schema,
		Sampling:  c.sampling,
		Label:     label,
		SessionID: c.id,
	}
}

func assistantMessage(p *llm.ResponsePayload) llm.Message {
	content := p.Text
	if len(p.Structured) > 0 && !p.HasToolCalls() {
		content = string(p.Structured)
	}
	return llm.AssistantMessage(content, p.ToolCalls...)
}
