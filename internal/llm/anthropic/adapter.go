// Package anthropic implements the Messages API wire format.
package anthropic

import (
	"encoding/json"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

// block 是各类内容块字段的并集。
type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type response struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Adapter 是 Anthropic Messages API 的适配器。
type Adapter struct{}

// New 返回适配器实例。
func New() *Adapter { return &Adapter{} }

// Name 返回适配器名称。
func (a *Adapter) Name() string { return "anthropic" }

// SupportsTools Claude 系列全部支持工具调用。
func (a *Adapter) SupportsTools(string) bool { return true }

// SupportsNativeSchema schema 通过强制工具实现。
func (a *Adapter) SupportsNativeSchema(string) bool { return true }

// FormatRequest 构造 /messages 请求。系统提示放在顶层，工具结果作为 user 消息中的 tool_result 块。
func (a *Adapter) FormatRequest(in llm.WireInput) (*llm.WireRequest, error) {
	maxTokens := in.Sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	req := request{
		Model:       in.Tag,
		Messages:    convertMessages(in.Conversation()),
		System:      in.SystemPrompt(),
		MaxTokens:   maxTokens,
		Temperature: in.Sampling.Temperature,
	}

	switch {
	case len(in.Tools) > 0:
		req.Tools = convertTools(in.Tools)
		req.ToolChoice = toolChoice{Type: "auto"}
	case in.Schema != nil:
		req.Tools = convertTools([]llm.ToolDefinition{in.Schema.AsTool()})
		req.ToolChoice = toolChoice{Type: "tool", Name: in.Schema.Name}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Anthropic 请求失败")
	}
	wire := llm.NewWireRequest(a.Name(), in.Endpoint.URL("messages"), body)
	wire.Header.Set("x-api-key", in.Endpoint.APIKey)
	wire.Header.Set("anthropic-version", apiVersion)
	wire.ApplyHeaders(in.Endpoint.Headers)
	return wire, nil
}

func convertMessages(history []llm.Message) []message {
	out := make([]message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case llm.RoleTool:
			result := block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			// 连续的工具结果合并进同一条 user 消息，保持角色交替。
			if n := len(out); n > 0 && out[n-1].Role == "user" && isToolResults(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, result)
				continue
			}
			out = append(out, message{Role: "user", Content: []block{result}})
		case llm.RoleAssistant:
			blocks := make([]block, 0, 1+len(m.ToolCalls))
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, block{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: llm.NormalizeArguments(call.Arguments),
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			out = append(out, message{Role: "assistant", Content: blocks})
		default:
			out = append(out, message{Role: "user", Content: []block{{Type: "text", Text: m.Content}}})
		}
	}
	return out
}

func isToolResults(m message) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}

func convertTools(defs []llm.ToolDefinition) []tool {
	out := make([]tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, tool{Name: d.Name, Description: d.Description, InputSchema: d.ParameterSchema()})
	}
	return out
}

// ParseResponse 解析 Messages API 响应。
func (a *Adapter) ParseResponse(body []byte) (*llm.ResponsePayload, error) {
	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.ResponseParse(err, "解析 Anthropic 响应失败")
	}
	if len(decoded.Content) == 0 && decoded.StopReason == "" {
		return nil, xerrors.ResponseParse(nil, "Anthropic 响应中没有内容")
	}

	payload := &llm.ResponsePayload{FinishReason: decoded.StopReason}
	var text []string
	for _, b := range decoded.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "thinking":
			payload.Reasoning = strings.TrimSpace(payload.Reasoning + "\n" + b.Thinking)
		case "tool_use":
			id := b.ID
			if id == "" {
				id = llm.NewToolCallID("anthropic-tool")
			}
			payload.ToolCalls = append(payload.ToolCalls, llm.ToolCall{
				ID:        id,
				Name:      b.Name,
				Arguments: llm.NormalizeArguments(b.Input),
			})
		}
	}
	payload.Text = strings.Join(text, "")
	payload.SplitReasoning()
	payload.Usage = llm.Usage{
		InputTokens:  decoded.Usage.InputTokens,
		OutputTokens: decoded.Usage.OutputTokens,
	}
	return payload, nil
}
