package fallback

import (
	"encoding/json"
	"fmt"
	"strings"

	"OpenLLM-Core/internal/llm"
)

// Mode 表示回退策略要求模型输出的内容。
type Mode int

const (
	ModeNone Mode = iota
	// ModeSchema 要求输出符合 schema 的对象。
	ModeSchema
	// ModeTools 要求输出 {tool_name, arguments}。
	ModeTools
)

// Plan 在派发前计算一次，之后的重试复用同一份提示词。
type Plan struct {
	Mode   Mode
	Format Format
	Tools  []llm.ToolDefinition
	// Synthesis 为 true 表示最后一条消息是工具结果，本轮只要求自然语言回答。
	Synthesis bool
}

// NewPlan 根据请求内容构造回退计划。
func NewPlan(req llm.CallRequest) Plan {
	var plan Plan
	if last, ok := req.LastMessage(); ok && last.Role == llm.RoleTool {
		plan.Synthesis = true
	}
	switch {
	case req.HasTools():
		plan.Mode = ModeTools
		plan.Format = ToolFormat()
		plan.Tools = req.Tools
	case req.HasSchema():
		plan.Mode = ModeSchema
		plan.Format = SchemaFormat(*req.Schema)
	}
	return plan
}

// Instruction 返回需要放在系统提示最前面的说明。
func (p Plan) Instruction() string {
	var b strings.Builder
	if p.Mode == ModeTools {
		if p.Synthesis {
			b.WriteString("#### TOOL RESULT\n\n")
			b.WriteString("The last message is the output of a tool you called. Answer the user's request in plain, conversational text based on that output. Do not output JSON and do not call another tool.\n\n")
			return b.String()
		}
		b.WriteString("#### TOOL CALLING\n\n")
		b.WriteString("If a tool can help answer the request, reply only with a JSON object that selects the tool, following the JSON SCHEMA below. ")
		b.WriteString("Put the tool arguments as an object under the arguments key.\n\nAvailable tools:\n")
		for _, t := range p.Tools {
			fmt.Fprintf(&b, "- `%s`: %s (arguments schema: %s)\n", t.Name, t.Description, compact(t.ParameterSchema()))
		}
		b.WriteString("\n")
	}
	if p.Mode == ModeNone || p.Synthesis {
		return b.String()
	}

	wrapped, _ := json.MarshalIndent(p.Format.Wrap(), "", "  ")
	b.WriteString("#### JSON MODE\n\n")
	b.WriteString("Reply with a single valid JSON object and nothing else: no explanation and no markdown fences.\n")
	fmt.Fprintf(&b, "DELIMITER = '%s'. Every key in the schema is wrapped in the delimiter, repeated once per nesting level. ", Delimiter)
	b.WriteString("Copy the wrapped keys exactly as shown; do not rename them and do not invent new keys.\n")
	fmt.Fprintf(&b, "Required keys: %s.\n", strings.Join(p.Format.WrappedKeys(), ", "))
	b.WriteString("Replace every <type:...> placeholder with a plain value of that type, without angle brackets.\n\n")
	b.WriteString("JSON SCHEMA:\n```json\n")
	b.Write(wrapped)
	b.WriteString("\n```\n\n")
	return b.String()
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}

// Messages 把历史改写为纯文本形式，并把说明并入系统提示。
func (p Plan) Messages(history []llm.Message) []llm.Message {
	flat := FlattenHistory(history)
	instruction := p.Instruction()
	if instruction == "" {
		return flat
	}
	return PrependSystem(flat, strings.TrimRight(instruction, "\n"))
}

// PrependSystem 把内容放在第一条系统消息之前，没有系统消息时新建一条。
func PrependSystem(history []llm.Message, content string) []llm.Message {
	out := llm.CloneMessages(history)
	for i := range out {
		if out[i].Role == llm.RoleSystem {
			out[i].Content = content + "\n\n" + out[i].Content
			return out
		}
	}
	return append([]llm.Message{llm.SystemMessage(content)}, out...)
}

// FlattenHistory 把原生工具调用与结果改写为文本消息，供不支持工具的服务商使用。
func FlattenHistory(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch {
		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			parts := make([]string, 0, len(m.ToolCalls)+1)
			if s := strings.TrimSpace(m.Content); s != "" {
				parts = append(parts, s)
			}
			for _, call := range m.ToolCalls {
				encoded, _ := json.Marshal(struct {
					ToolName  string          `json:"tool_name"`
					Arguments json.RawMessage `json:"arguments"`
				}{call.Name, llm.NormalizeArguments(call.Arguments)})
				parts = append(parts, string(encoded))
			}
			out = append(out, llm.AssistantMessage(strings.Join(parts, "\n")))
		case m.Role == llm.RoleTool:
			out = append(out, llm.UserMessage(fmt.Sprintf("Tool '%s' returned: %s", m.Name, m.Content)))
		default:
			out = append(out, m)
		}
	}
	return out
}

// Apply 从回复文本中提取结构化结果或工具调用，写回 payload。
func (p Plan) Apply(payload *llm.ResponsePayload) error {
	if payload == nil || p.Synthesis {
		return nil
	}
	switch p.Mode {
	case ModeSchema:
		raw, err := ExtractRaw(payload.Text, p.Format)
		if err != nil {
			return err
		}
		payload.Structured = raw
	case ModeTools:
		call, err := ParseToolCall(payload.Text)
		if err != nil {
			return err
		}
		payload.ToolCalls = []llm.ToolCall{call}
		payload.Text = ""
	}
	return nil
}
