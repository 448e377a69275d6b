// Package ollama implements the /api/chat wire format of a local Ollama server,
// including the Granite family that emits tool calls inside the content.
package ollama

import (
	"encoding/json"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

const (
	graniteToolTag      = "<|tool_call|>"
	defaultTemperature  = 0.7
	toolSystemPrompt    = "You are a helpful assistant with access to tools. Use them when appropriate to answer the user's request."
	graniteSystemPrompt = "You have access to the following tools. When a tool is required to answer the user's query, " +
		"respond only with <|tool_call|> followed by a JSON list of tools used. If a tool does not exist in the provided " +
		"list of tools, notify the user that you do not have the ability to fulfill the request."
)

type request struct {
	Model      string    `json:"model"`
	Messages   []message `json:"messages"`
	Stream     bool      `json:"stream"`
	Options    options   `json:"options"`
	Format     string    `json:"format,omitempty"`
	Tools      []tool    `json:"tools,omitempty"`
	ToolChoice string    `json:"tool_choice,omitempty"`
	Think      *bool     `json:"think,omitempty"`
}

type options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type graniteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Arguments   map[string]any `json:"arguments"`
}

type response struct {
	Model   string `json:"model"`
	Message struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		Thinking  string     `json:"thinking"`
		ToolCalls []toolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Adapter 是 Ollama 的适配器，工具能力按模型标签区分。
type Adapter struct {
	toolTags    map[string]struct{}
	thinkTags   map[string]struct{}
	graniteTags map[string]struct{}
}

// Option 调整模型能力表。
type Option func(*Adapter)

// WithToolModels 设置支持标准 tools 字段的模型。
func WithToolModels(tags ...string) Option {
	return func(a *Adapter) { a.toolTags = toSet(tags) }
}

// WithThinkModels 设置支持 think 选项的模型。
func WithThinkModels(tags ...string) Option {
	return func(a *Adapter) { a.thinkTags = toSet(tags) }
}

// WithGraniteModels 设置使用 <|tool_call|> 格式的模型。
func WithGraniteModels(tags ...string) Option {
	return func(a *Adapter) { a.graniteTags = toSet(tags) }
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return set
}

// New 返回适配器实例。
func New(opts ...Option) *Adapter {
	a := &Adapter{
		toolTags:    toSet([]string{"qwen3:0.6b", "llama3.2:1b"}),
		thinkTags:   toSet([]string{"qwen3:0.6b", "deepseek-r1:free"}),
		graniteTags: toSet([]string{"granite3.3:2b"}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func has(set map[string]struct{}, tag string) bool {
	_, ok := set[strings.ToLower(tag)]
	return ok
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return "ollama" }

// SupportsTools 判断模型是否支持工具调用。
func (a *Adapter) SupportsTools(tag string) bool {
	return has(a.toolTags, tag) || has(a.graniteTags, tag)
}

// SupportsNativeSchema schema 以强制工具的方式实现，只有标准工具模型可靠。
func (a *Adapter) SupportsNativeSchema(tag string) bool {
	return has(a.toolTags, tag)
}

// FormatRequest 构造 /api/chat 请求。
func (a *Adapter) FormatRequest(in llm.WireInput) (*llm.WireRequest, error) {
	req := request{
		Model:  in.Tag,
		Stream: false,
		Options: options{
			Temperature: in.Sampling.TemperatureOr(defaultTemperature),
			NumPredict:  in.Sampling.MaxTokens,
		},
	}
	if has(a.thinkTags, in.Tag) {
		think := in.Reasoning == llm.ReasoningAlways || (in.Reasoning == llm.ReasoningToggle && in.Sampling.Thinking)
		req.Think = &think
	}

	if has(a.graniteTags, in.Tag) {
		req.Messages = graniteMessages(in)
	} else {
		req.Messages = convertMessages(in.Messages)
		tools := in.Tools
		if in.Schema != nil && len(tools) == 0 {
			if has(a.toolTags, in.Tag) {
				tools = []llm.ToolDefinition{in.Schema.AsTool()}
			} else {
				req.Format = "json"
			}
		}
		if len(tools) > 0 {
			req.Tools = convertTools(tools)
			req.ToolChoice = "required"
			req.Messages = withToolPrompt(req.Messages)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Ollama 请求失败")
	}
	wire := llm.NewWireRequest(a.Name(), in.Endpoint.URL("api/chat"), body)
	wire.ApplyHeaders(in.Endpoint.Headers)
	return wire, nil
}

func convertMessages(history []llm.Message) []message {
	out := make([]message, 0, len(history))
	for _, m := range history {
		msg := message{Role: string(m.Role), Content: m.Content}
		for _, call := range m.ToolCalls {
			var tc toolCall
			tc.Function.Name = call.Name
			tc.Function.Arguments = llm.NormalizeArguments(call.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		out = append(out, msg)
	}
	return out
}

func withToolPrompt(messages []message) []message {
	for i := range messages {
		if messages[i].Role == string(llm.RoleSystem) {
			messages[i].Content = toolSystemPrompt + "\n\n---\n\n" + messages[i].Content
			return messages
		}
	}
	return append([]message{{Role: string(llm.RoleSystem), Content: toolSystemPrompt}}, messages...)
}

func convertTools(defs []llm.ToolDefinition) []tool {
	out := make([]tool, 0, len(defs))
	for _, d := range defs {
		var t tool
		t.Type = "function"
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = d.ParameterSchema()
		out = append(out, t)
	}
	return out
}

// graniteMessages 构造 Granite 需要的 system + available_tools 消息序列。
func graniteMessages(in llm.WireInput) []message {
	system := graniteSystemPrompt
	if s := in.SystemPrompt(); s != "" {
		system += "\n\n" + s
	}
	out := []message{{Role: "system", Content: system}}

	var tools []graniteTool
	switch {
	case in.Schema != nil:
		args := make(map[string]any, len(in.Schema.Properties))
		for _, p := range in.Schema.Properties {
			args[p.Name] = map[string]any{"description": p.Description}
		}
		tools = []graniteTool{{Name: in.Schema.Name, Description: in.Schema.Description, Arguments: args}}
	case len(in.Tools) > 0:
		for _, t := range in.Tools {
			tools = append(tools, graniteTool{Name: t.Name, Description: t.Description, Arguments: simplifyParameters(t.ParameterSchema())})
		}
	}
	if len(tools) > 0 {
		encoded, _ := json.Marshal(tools)
		out = append(out, message{Role: "available_tools", Content: string(encoded)})
	}
	return append(out, convertMessages(in.Conversation())...)
}

func simplifyParameters(schema json.RawMessage) map[string]any {
	var parsed struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
	}
	out := map[string]any{}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return out
	}
	for name, p := range parsed.Properties {
		out[name] = map[string]any{"description": p.Description}
	}
	return out
}

// ParseResponse 解析 /api/chat 响应，并把 Granite 的内联工具调用移到 ToolCalls。
func (a *Adapter) ParseResponse(body []byte) (*llm.ResponsePayload, error) {
	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.ResponseParse(err, "解析 Ollama 响应失败")
	}

	payload := &llm.ResponsePayload{
		Text:         decoded.Message.Content,
		Reasoning:    strings.TrimSpace(decoded.Message.Thinking),
		FinishReason: decoded.DoneReason,
		Usage: llm.Usage{
			InputTokens:  decoded.PromptEvalCount,
			OutputTokens: decoded.EvalCount,
		},
	}

	calls := decoded.Message.ToolCalls
	if trimmed := strings.TrimSpace(payload.Text); strings.HasPrefix(trimmed, graniteToolTag) {
		if parsed, ok := parseGraniteCalls(trimmed); ok {
			calls = parsed
			payload.Text = ""
		}
	}
	payload.SplitReasoning()

	for _, c := range calls {
		payload.ToolCalls = append(payload.ToolCalls, llm.ToolCall{
			ID:        llm.NewToolCallID("ollama-tool"),
			Name:      c.Function.Name,
			Arguments: llm.NormalizeArguments(c.Function.Arguments),
		})
	}
	// 带工具调用时正文多为噪声，清空以保持历史干净。
	if len(payload.ToolCalls) > 0 {
		payload.Text = ""
	}
	return payload, nil
}

// parseGraniteCalls 同时接受 [{"name","arguments"}] 与 [{"function":{...}}] 两种形态。
func parseGraniteCalls(content string) ([]toolCall, bool) {
	start := strings.Index(content, "[")
	if start < 0 {
		return nil, false
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Function  *struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal([]byte(content[start:]), &raw); err != nil {
		return nil, false
	}
	out := make([]toolCall, 0, len(raw))
	for _, r := range raw {
		var tc toolCall
		if r.Function != nil {
			tc.Function.Name = r.Function.Name
			tc.Function.Arguments = r.Function.Arguments
		} else {
			tc.Function.Name = r.Name
			tc.Function.Arguments = r.Arguments
		}
		if tc.Function.Name == "" {
			continue
		}
		out = append(out, tc)
	}
	return out, len(out) > 0
}
