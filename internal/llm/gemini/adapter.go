// Package gemini implements the Google generateContent wire format.
package gemini

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolSet         `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"function_declarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"response_mime_type,omitempty"`
	ResponseSchema   map[string]any `json:"response_schema,omitempty"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Adapter 是 Gemini generateContent 接口的适配器。
type Adapter struct{}

// New 返回适配器实例。
func New() *Adapter { return &Adapter{} }

// Name 返回适配器名称。
func (a *Adapter) Name() string { return "gemini" }

// SupportsTools Gemini 支持 function calling。
func (a *Adapter) SupportsTools(string) bool { return true }

// SupportsNativeSchema Gemini 支持 JSON 输出模式。
func (a *Adapter) SupportsNativeSchema(string) bool { return true }

// FormatRequest 构造 generateContent 请求，API Key 通过查询参数传递。
func (a *Adapter) FormatRequest(in llm.WireInput) (*llm.WireRequest, error) {
	req := request{Contents: convertContents(in.Conversation())}
	if system := in.SystemPrompt(); system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	cfg := &generationConfig{Temperature: in.Sampling.Temperature, MaxOutputTokens: in.Sampling.MaxTokens}
	switch {
	case len(in.Tools) > 0:
		decls := make([]functionDeclaration, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.ParameterSchema()})
		}
		req.Tools = []toolSet{{FunctionDeclarations: decls}}
	case in.Schema != nil:
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = responseSchema(*in.Schema)
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 || cfg.ResponseMimeType != "" {
		req.GenerationConfig = cfg
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Gemini 请求失败")
	}
	endpoint := in.Endpoint.URL(in.Tag+":generateContent") + "?key=" + url.QueryEscape(in.Endpoint.APIKey)
	wire := llm.NewWireRequest(a.Name(), endpoint, body)
	wire.ApplyHeaders(in.Endpoint.Headers)
	return wire, nil
}

func convertContents(history []llm.Message) []content {
	out := make([]content, 0, len(history))
	for _, m := range history {
		var c content
		switch m.Role {
		case llm.RoleAssistant:
			c.Role = "model"
			if strings.TrimSpace(m.Content) != "" {
				c.Parts = append(c.Parts, part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{
					Name: call.Name,
					Args: llm.NormalizeArguments(call.Arguments),
				}})
			}
		case llm.RoleTool:
			c.Role = "function"
			c.Parts = []part{{FunctionResponse: &functionResponse{
				Name:     m.Name,
				Response: toolResponse(m.Content),
			}}}
		default:
			c.Role = "user"
			if m.Content != "" {
				c.Parts = []part{{Text: m.Content}}
			}
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// toolResponse 需要是 JSON 对象，非对象文本包装为 {"content": text}。
func toolResponse(text string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return trimmed
	}
	wrapped, _ := json.Marshal(map[string]string{"content": text})
	return wrapped
}

func responseSchema(s llm.Schema) map[string]any {
	props := make(map[string]any, len(s.Properties))
	required := make([]string, 0, len(s.Properties))
	for _, p := range s.Properties {
		prop := map[string]any{"type": strings.ToUpper(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": strings.ToUpper(p.Items.Type)}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		required = append(required, p.Name)
	}
	return map[string]any{"type": "OBJECT", "properties": props, "required": required}
}

// ParseResponse 解析 generateContent 响应。
func (a *Adapter) ParseResponse(body []byte) (*llm.ResponsePayload, error) {
	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.ResponseParse(err, "解析 Gemini 响应失败")
	}
	if len(decoded.Candidates) == 0 {
		return nil, xerrors.ResponseParse(nil, "Gemini 响应中没有 candidates")
	}

	candidate := decoded.Candidates[0]
	payload := &llm.ResponsePayload{FinishReason: candidate.FinishReason}
	var text, thoughts []string
	for _, p := range candidate.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			payload.ToolCalls = append(payload.ToolCalls, llm.ToolCall{
				ID:        llm.NewToolCallID("gemini-tool"),
				Name:      p.FunctionCall.Name,
				Arguments: llm.NormalizeArguments(p.FunctionCall.Args),
			})
		case p.Thought:
			thoughts = append(thoughts, p.Text)
		case p.Text != "":
			text = append(text, p.Text)
		}
	}
	payload.Text = strings.Join(text, "")
	payload.Reasoning = strings.TrimSpace(strings.Join(thoughts, "\n"))
	payload.SplitReasoning()
	if decoded.UsageMetadata != nil {
		payload.Usage = llm.Usage{
			InputTokens:  decoded.UsageMetadata.PromptTokenCount,
			OutputTokens: decoded.UsageMetadata.CandidatesTokenCount,
		}
	}
	return payload, nil
}
