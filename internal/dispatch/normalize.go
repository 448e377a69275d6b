package dispatch

import (
	"encoding/json"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/llm/fallback"
)

// normalizeSchema 把原生 schema 调用的结果统一放到 Structured。
// 服务商可能以强制工具调用返回，也可能直接返回 JSON 文本。
func normalizeSchema(payload *llm.ResponsePayload, schema llm.Schema) error {
	if payload == nil || len(payload.Structured) > 0 {
		return nil
	}
	format := fallback.SchemaFormat(schema)

	candidate := ""
	switch {
	case len(payload.ToolCalls) == 1:
		candidate = string(payload.ToolCalls[0].Arguments)
	case len(payload.ToolCalls) > 1:
		for _, call := range payload.ToolCalls {
			if call.Name == schema.Name {
				candidate = string(call.Arguments)
				break
			}
		}
	}
	if candidate == "" {
		candidate = unwrapNamedArguments(payload.Text, schema.Name)
	}
	if strings.TrimSpace(candidate) == "" {
		return xerrors.ResponseParse(nil, "structured output missing from provider response")
	}

	raw, err := fallback.ExtractRaw(candidate, format)
	if err != nil {
		return err
	}
	payload.Structured = raw
	payload.ToolCalls = nil
	return nil
}

// unwrapNamedArguments 处理 {"name": schema, "arguments": {...}} 形式的文本。
func unwrapNamedArguments(text, name string) string {
	trimmed := strings.TrimSpace(text)
	var wrapped struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && wrapped.Name == name && len(wrapped.Arguments) > 0 {
		return string(llm.NormalizeArguments(wrapped.Arguments))
	}
	return trimmed
}
