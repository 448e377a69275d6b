// Package openai implements the Chat Completions wire format shared by OpenAI
// and the compatible vendors (xAI Grok, OpenRouter, Inception Mercury).
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

type schemaMode int

const (
	schemaNone schemaMode = iota
	// schemaForcedTool 把 schema 包装成强制调用的函数工具。
	schemaForcedTool
	// schemaResponseFormat 使用 response_format.json_schema。
	schemaResponseFormat
)

// Adapter 是 Chat Completions 兼容接口的适配器，不同厂商通过构造函数区分。
type Adapter struct {
	name          string
	schema        schemaMode
	toolTags      map[string]struct{}
	reasonerTags  map[string]struct{}
	dropToolNames bool
	headers       map[string]string
}

// Option 调整适配器行为。
type Option func(*Adapter)

// WithToolModels 限定支持原生工具的模型；未设置时所有模型都支持。
func WithToolModels(tags ...string) Option {
	return func(a *Adapter) {
		a.toolTags = toSet(tags)
	}
}

// WithReasonerModels 指定需要 reasoning_effort 的模型。
func WithReasonerModels(tags ...string) Option {
	return func(a *Adapter) {
		a.reasonerTags = toSet(tags)
	}
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return set
}

func newAdapter(name string, mode schemaMode, opts []Option) *Adapter {
	a := &Adapter{name: name, schema: mode}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// NewOpenAI 返回 OpenAI 适配器。
func NewOpenAI(opts ...Option) *Adapter {
	return newAdapter("openai", schemaForcedTool, opts)
}

// NewGrok 返回 xAI Grok 适配器，推理模型会附带 reasoning_effort。
func NewGrok(opts ...Option) *Adapter {
	a := newAdapter("grok", schemaForcedTool, append([]Option{WithReasonerModels("grok-3-mini")}, opts...))
	return a
}

// NewOpenRouter 返回 OpenRouter 适配器。
func NewOpenRouter(opts ...Option) *Adapter {
	a := newAdapter("openrouter", schemaResponseFormat, opts)
	a.headers = map[string]string{
		"HTTP-Referer": "https://github.com/openllm-core/openllm-core",
		"X-Title":      "OpenLLM Core",
	}
	return a
}

// NewMercury 返回 Inception Mercury 适配器。Mercury 不提供可靠的原生 schema。
func NewMercury(opts ...Option) *Adapter {
	a := newAdapter("mercury", schemaNone, append([]Option{WithToolModels("mercury-coder")}, opts...))
	a.dropToolNames = true
	return a
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return a.name }

// SupportsTools 判断模型是否支持原生工具调用。
func (a *Adapter) SupportsTools(tag string) bool {
	if a.toolTags == nil {
		return true
	}
	_, ok := a.toolTags[strings.ToLower(tag)]
	return ok
}

// SupportsNativeSchema 判断模型是否支持原生结构化输出。
func (a *Adapter) SupportsNativeSchema(string) bool {
	return a.schema != schemaNone
}

// FormatRequest 构造 /chat/completions 请求。
func (a *Adapter) FormatRequest(in llm.WireInput) (*llm.WireRequest, error) {
	req := chatRequest{
		Model:       in.Tag,
		Messages:    a.convertMessages(in.Messages),
		Temperature: in.Sampling.Temperature,
		MaxTokens:   in.Sampling.MaxTokens,
	}
	if _, ok := a.reasonerTags[strings.ToLower(in.Tag)]; ok && in.Reasoning != llm.ReasoningOff {
		req.ReasoningEffort = "high"
	}

	switch {
	case len(in.Tools) > 0:
		req.Tools = convertTools(in.Tools)
		req.ToolChoice = "auto"
	case in.Schema != nil:
		switch a.schema {
		case schemaForcedTool:
			req.Tools = convertTools([]llm.ToolDefinition{in.Schema.AsTool()})
			choice := namedToolChoice{Type: "function"}
			choice.Function.Name = in.Schema.Name
			req.ToolChoice = choice
		case schemaResponseFormat:
			req.ResponseFormat = &responseFormat{
				Type:       "json_schema",
				JSONSchema: &jsonSchemaRef{Name: in.Schema.Name, Schema: in.Schema.JSONSchema()},
			}
		default:
			return nil, xerrors.Unsupported("%s does not support native schema output", a.name)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("序列化 %s 请求失败", a.name))
	}
	wire := llm.NewWireRequest(a.name, in.Endpoint.URL("chat/completions"), body)
	if in.Endpoint.APIKey != "" {
		wire.Header.Set("Authorization", "Bearer "+in.Endpoint.APIKey)
	}
	wire.ApplyHeaders(a.headers)
	wire.ApplyHeaders(in.Endpoint.Headers)
	return wire, nil
}

func (a *Adapter) convertMessages(messages []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		msg := chatMessage{Role: string(m.Role), Content: &content}
		switch m.Role {
		case llm.RoleTool:
			msg.ToolCallID = m.ToolCallID
			if !a.dropToolNames {
				msg.Name = m.Name
			}
		case llm.RoleAssistant:
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:   call.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      call.Name,
						Arguments: string(llm.NormalizeArguments(call.Arguments)),
					},
				})
			}
			if len(msg.ToolCalls) > 0 && content == "" {
				msg.Content = nil
			}
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []llm.ToolDefinition) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.ParameterSchema(),
			},
		})
	}
	return out
}

// ParseResponse 解析 Chat Completions 响应。
func (a *Adapter) ParseResponse(body []byte) (*llm.ResponsePayload, error) {
	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.ResponseParse(err, fmt.Sprintf("解析 %s 响应失败", a.name))
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.ResponseParse(nil, fmt.Sprintf("%s 响应中没有有效的 choices", a.name))
	}

	choice := decoded.Choices[0]
	payload := &llm.ResponsePayload{FinishReason: choice.FinishReason}
	if choice.Message.Content != nil {
		payload.Text = *choice.Message.Content
	}
	payload.Reasoning = strings.TrimSpace(choice.Message.ReasoningContent)
	if payload.Reasoning == "" {
		payload.Reasoning = strings.TrimSpace(choice.Message.Reasoning)
	}
	payload.SplitReasoning()

	for _, call := range choice.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = llm.NewToolCallID(a.name + "-tool")
		}
		payload.ToolCalls = append(payload.ToolCalls, llm.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: llm.NormalizeArguments(call.Function.Arguments),
		})
	}
	if decoded.Usage != nil {
		payload.Usage = llm.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		}
	}
	return payload, nil
}
