// Package fallback implements the prompt-based strategy used when a provider
// lacks native tool calling or structured output. The expected JSON shape is
// described to the model with delimiter-wrapped keys and type hints, and the
// answer is extracted back out of free text.
package fallback

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"OpenLLM-Core/internal/llm"
)

// Delimiter 包裹键名，嵌套每深一层重复一次。
const Delimiter = "###"

// Format 是期望输出的结构：叶子节点为 "<type:...>" 类型提示，数组只取第一个元素作为模板。
type Format map[string]any

// 类型提示。
const (
	HintString = "<type:str>"
	HintInt    = "<type:int>"
	HintFloat  = "<type:float>"
	HintBool   = "<type:bool>"
	HintObject = "<type:object>"
)

// CodeHint 返回代码类型提示，lang 可为空。
func CodeHint(lang string) string {
	if lang == "" {
		return "<type:code>"
	}
	return "<type:code:" + lang + ">"
}

// EnumHint 返回枚举类型提示。
func EnumHint(values []string) string {
	encoded, _ := json.Marshal(values)
	return fmt.Sprintf("<type:enum(%s)>", encoded)
}

// ToolFormat 是工具调用模式下要求模型输出的结构。
func ToolFormat() Format {
	return Format{"tool_name": HintString, "arguments": HintObject}
}

// SchemaFormat 把 schema 转成类型提示结构。
func SchemaFormat(s llm.Schema) Format {
	out := make(Format, len(s.Properties))
	for _, p := range s.Properties {
		if p.Type == "array" {
			item := "string"
			if p.Items != nil && p.Items.Type != "" {
				item = p.Items.Type
			}
			out[p.Name] = []any{typeHint(item, nil)}
			continue
		}
		out[p.Name] = typeHint(p.Type, p.Enum)
	}
	return out
}

func typeHint(kind string, enum []string) string {
	if len(enum) > 0 {
		return EnumHint(enum)
	}
	switch strings.ToLower(kind) {
	case "integer", "int":
		return HintInt
	case "number", "float":
		return HintFloat
	case "boolean", "bool":
		return HintBool
	case "object":
		return HintObject
	case "code":
		return CodeHint("")
	default:
		return HintString
	}
}

// Wrap 返回键名带分隔符的结构，用于提示词。
func (f Format) Wrap() any {
	return wrap(map[string]any(f), 1)
}

func wrap(v any, depth int) any {
	delim := strings.Repeat(Delimiter, depth)
	switch node := v.(type) {
	case Format:
		return wrap(map[string]any(node), depth)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[delim+k+delim] = wrap(child, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = wrap(child, depth+1)
		}
		return out
	default:
		return v
	}
}

// WrappedKeys 返回顶层带分隔符的键名，按字典序。
func (f Format) WrappedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, Delimiter+k+Delimiter)
	}
	sort.Strings(keys)
	return keys
}
