package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话历史中的一条消息，追加后不再修改。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// SystemMessage 构造系统提示。
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage 构造用户消息。
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage 构造助手消息，可附带工具调用。
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: cloneToolCalls(calls)}
}

// ToolResultMessage 构造工具执行结果消息。
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: callID}
}

// ToolCall 是模型发出的工具调用请求。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition 只描述工具的名称与参数结构，不包含实现。
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ParameterSchema 返回参数的 JSON Schema，缺省时为空对象结构。
func (d ToolDefinition) ParameterSchema() json.RawMessage {
	if len(bytes.TrimSpace(d.Parameters)) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return d.Parameters
}

// Sampling 描述采样参数。
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// Thinking 仅对 reasoning=toggle 的模型生效。
	Thinking bool `json:"thinking,omitempty"`
}

// TemperatureOr 返回温度，未设置时使用默认值。
func (s Sampling) TemperatureOr(def float64) float64 {
	if s.Temperature == nil {
		return def
	}
	return *s.Temperature
}

// CallRequest 是一次归一化的模型调用。开始派发后视为只读。
type CallRequest struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Schema    *Schema          `json:"schema,omitempty"`
	Sampling  Sampling         `json:"sampling,omitempty"`
	Label     string           `json:"label,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// HasTools 判断请求是否携带工具定义。
func (r CallRequest) HasTools() bool { return len(r.Tools) > 0 }

// HasSchema 判断请求是否要求结构化输出。
func (r CallRequest) HasSchema() bool { return r.Schema != nil }

// Clone 深拷贝请求，调用方之后的修改不会影响已派发的请求。
func (r CallRequest) Clone() CallRequest {
	out := r
	out.Messages = CloneMessages(r.Messages)
	if r.Tools != nil {
		out.Tools = make([]ToolDefinition, len(r.Tools))
		for i, t := range r.Tools {
			t.Parameters = cloneRaw(t.Parameters)
			out.Tools[i] = t
		}
	}
	if r.Schema != nil {
		schema := r.Schema.clone()
		out.Schema = &schema
	}
	if r.Sampling.Temperature != nil {
		temp := *r.Sampling.Temperature
		out.Sampling.Temperature = &temp
	}
	return out
}

// LastMessage 返回最后一条消息。
func (r CallRequest) LastMessage() (Message, bool) {
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// Usage 记录输入输出 token 数。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total 返回 token 总数。
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ResponsePayload 是解析后的归一化响应。
type ResponsePayload struct {
	Text         string          `json:"text"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Usage        Usage           `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"`

	// 以下字段由派发器填充。
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
	Cost     float64  `json:"cost"`
	Attempts int      `json:"attempts,omitempty"`
}

// HasToolCalls 判断响应是否包含待执行的工具调用。
func (p *ResponsePayload) HasToolCalls() bool {
	return p != nil && len(p.ToolCalls) > 0
}

// ReasoningMode 描述模型的推理输出方式。
type ReasoningMode string

const (
	ReasoningOff    ReasoningMode = "off"
	ReasoningToggle ReasoningMode = "toggle"
	ReasoningAlways ReasoningMode = "always"
	// ReasoningPrompt 通过系统提示引导模型在 <think> 中输出推理。
	ReasoningPrompt ReasoningMode = "prompt"
)

// Valid 判断推理模式是否合法，空值视为 off。
func (m ReasoningMode) Valid() bool {
	switch m {
	case "", ReasoningOff, ReasoningToggle, ReasoningAlways, ReasoningPrompt:
		return true
	}
	return false
}

// ModelDescriptor 是目录中一个可调用模型的只读描述。
type ModelDescriptor struct {
	ID          string        `json:"id"`
	Provider    string        `json:"provider"`
	Tag         string        `json:"tag"`
	TokenWindow int           `json:"token_window"`
	InputPrice  float64       `json:"input_price"`
	OutputPrice float64       `json:"output_price"`
	Reasoning   ReasoningMode `json:"reasoning"`
}

// Cost 按每百万 token 单价计算费用。
func (d ModelDescriptor) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*d.InputPrice + float64(u.OutputTokens)/1e6*d.OutputPrice
}

// ReasoningEnabled 判断本次请求是否需要推理输出。
func (d ModelDescriptor) ReasoningEnabled(s Sampling) bool {
	switch d.Reasoning {
	case ReasoningAlways, ReasoningPrompt:
		return true
	case ReasoningToggle:
		return s.Thinking
	}
	return false
}

// Capabilities 描述服务商对某个模型的原生能力。
type Capabilities struct {
	Tools  bool `json:"tools"`
	Schema bool `json:"schema"`
}

// CloneMessages 深拷贝消息列表。
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		m.ToolCalls = cloneToolCalls(m.ToolCalls)
		out[i] = m
	}
	return out
}

func cloneToolCalls(in []ToolCall) []ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]ToolCall, len(in))
	for i, c := range in {
		c.Arguments = cloneRaw(c.Arguments)
		out[i] = c
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// NormalizeArguments 保证工具参数是 JSON 对象；字符串形式的 JSON 会被展开，其余情况返回 {}。
func NormalizeArguments(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	switch trimmed[0] {
	case '{':
		if json.Valid(trimmed) {
			return append(json.RawMessage(nil), trimmed...)
		}
	case '"':
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
				return json.RawMessage(inner)
			}
		}
	}
	return json.RawMessage(`{}`)
}
