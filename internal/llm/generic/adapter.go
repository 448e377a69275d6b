// Package generic provides a best-effort adapter for providers without a
// dedicated wire format. It declares no native capabilities, so every tool or
// schema request against it goes through the prompt fallback.
package generic

import (
	"encoding/json"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Adapter 以 OpenAI 兼容的纯文本格式访问未知服务商。
type Adapter struct {
	name string
}

// New 返回适配器实例，name 用于日志与用量记录。
func New(name string) *Adapter {
	if strings.TrimSpace(name) == "" {
		name = "generic"
	}
	return &Adapter{name: name}
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return a.name }

// SupportsTools 始终为 false。
func (a *Adapter) SupportsTools(string) bool { return false }

// SupportsNativeSchema 始终为 false。
func (a *Adapter) SupportsNativeSchema(string) bool { return false }

// FormatRequest 只发送文本消息，工具调用历史被展开为文本。
func (a *Adapter) FormatRequest(in llm.WireInput) (*llm.WireRequest, error) {
	if len(in.Tools) > 0 || in.Schema != nil {
		return nil, xerrors.Unsupported("服务商 %s 不支持原生工具或结构化输出", a.name)
	}
	req := request{
		Model:       in.Tag,
		Temperature: in.Sampling.TemperatureOr(0.7),
		MaxTokens:   in.Sampling.MaxTokens,
	}
	for _, m := range in.Messages {
		role := string(m.Role)
		content := m.Content
		if m.Role == llm.RoleTool {
			role = string(llm.RoleUser)
			content = "Tool '" + m.Name + "' returned: " + m.Content
		}
		req.Messages = append(req.Messages, message{Role: role, Content: content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}
	wire := llm.NewWireRequest(a.name, in.Endpoint.URL("chat/completions"), body)
	if in.Endpoint.APIKey != "" {
		wire.Header.Set("Authorization", "Bearer "+in.Endpoint.APIKey)
	}
	wire.ApplyHeaders(in.Endpoint.Headers)
	return wire, nil
}

// ParseResponse 只提取第一条候选的文本。
func (a *Adapter) ParseResponse(body []byte) (*llm.ResponsePayload, error) {
	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.ResponseParse(err, "服务商 "+a.name+" 的响应无法识别")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.ResponseParse(nil, "服务商 "+a.name+" 的响应中没有 choices")
	}
	payload := &llm.ResponsePayload{
		Text:         decoded.Choices[0].Message.Content,
		FinishReason: decoded.Choices[0].FinishReason,
		Usage: llm.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}
	payload.SplitReasoning()
	return payload, nil
}
