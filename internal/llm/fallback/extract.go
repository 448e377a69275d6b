package fallback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

var (
	fencedPattern = regexp.MustCompile("```json\\s*(\\{[\\s\\S]*\\})\\s*```")
	keyPattern    = regexp.MustCompile(`"([^"]+)"\s*:`)
	codeFence     = regexp.MustCompile("^\\s*`{3}[A-Za-z0-9_+-]*[ \\t]*\\n?")
	codeTail      = regexp.MustCompile("\\s*`{3}\\s*$")
)

// locate 优先取 ```json 代码块，否则取第一个能完整解析为 JSON 对象的 {...}。
// 都找不到时退回第一个 { 到最后一个 } 之间的内容，由解码步骤报告错误。
func locate(text string) (string, bool) {
	if m := fencedPattern.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if n, ok := objectAt(text[i:]); ok {
			return text[i : i+n], true
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// objectAt 尝试从 s 开头解码一个 JSON 对象，返回其字节长度。
func objectAt(s string) (int, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return 0, false
	}
	return int(dec.InputOffset()), true
}

// cleanKeys 去掉键名中的分隔符字符，模型常常写错分隔符的重复次数。
func cleanKeys(raw string) string {
	delim := Delimiter[:1]
	return keyPattern.ReplaceAllStringFunc(raw, func(match string) string {
		sub := keyPattern.FindStringSubmatch(match)
		return `"` + strings.ReplaceAll(sub[1], delim, "") + `":`
	})
}

// Extract 从模型输出的文本中提取 JSON 对象，并按 format 校验结构、转换类型。
func Extract(text string, format Format) (map[string]any, error) {
	raw, ok := locate(text)
	if !ok {
		return nil, xerrors.ResponseParse(nil, "no JSON object found in response")
	}
	dec := json.NewDecoder(strings.NewReader(cleanKeys(raw)))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, xerrors.ResponseParse(err, "extracted text is not valid JSON")
	}
	coerced, err := coerce(decoded, map[string]any(format), "$")
	if err != nil {
		return nil, xerrors.ResponseParse(err, "JSON has incorrect structure")
	}
	return coerced.(map[string]any), nil
}

// ExtractRaw 与 Extract 相同，但返回序列化后的 JSON。
func ExtractRaw(text string, format Format) (json.RawMessage, error) {
	obj, err := Extract(text, format)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil, xerrors.ResponseParse(err, "re-encode extracted JSON")
	}
	return encoded, nil
}

// ParseToolCall 解析工具调用模式下的输出。
func ParseToolCall(text string) (llm.ToolCall, error) {
	obj, err := Extract(text, ToolFormat())
	if err != nil {
		return llm.ToolCall{}, err
	}
	name, _ := obj["tool_name"].(string)
	if strings.TrimSpace(name) == "" {
		return llm.ToolCall{}, xerrors.ResponseParse(nil, "tool_name not found in fallback tool call")
	}
	args, _ := json.Marshal(obj["arguments"])
	return llm.ToolCall{
		ID:        llm.NewToolCallID("fallback-tool"),
		Name:      strings.TrimSpace(name),
		Arguments: llm.NormalizeArguments(args),
	}, nil
}

func coerce(value, format any, path string) (any, error) {
	switch f := format.(type) {
	case Format:
		return coerce(value, map[string]any(f), path)
	case map[string]any:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for key, child := range f {
			v, present := obj[key]
			if !present {
				return nil, fmt.Errorf("%s: missing key %q", path, key)
			}
			converted, err := coerce(v, child, path+"."+key)
			if err != nil {
				return nil, err
			}
			obj[key] = converted
		}
		return obj, nil
	case []any:
		arr, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected array, got %T", path, value)
		}
		if len(f) == 0 {
			return arr, nil
		}
		for i, item := range arr {
			converted, err := coerce(item, f[0], fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			arr[i] = converted
		}
		return arr, nil
	case string:
		converted, err := coerceLeaf(value, f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return converted, nil
	default:
		return nil, fmt.Errorf("%s: invalid format node %T", path, format)
	}
}

func coerceLeaf(value any, hint string) (any, error) {
	info := strings.TrimSpace(hint)
	info = strings.TrimSuffix(strings.TrimPrefix(info, "<"), ">")
	kind, ok := strings.CutPrefix(strings.TrimSpace(info), "type:")
	if !ok {
		return value, nil
	}
	kind = strings.TrimSpace(kind)
	text := scalarText(value)

	switch {
	case strings.HasPrefix(kind, "code"):
		if s, isString := value.(string); isString {
			return cleanCode(s), nil
		}
		return cleanCode(text), nil
	case strings.HasPrefix(kind, "enum"):
		return matchEnum(text, kind)
	}

	switch kind {
	case "str", "string":
		return text, nil
	case "int", "integer":
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || f != float64(int64(f)) {
			return nil, fmt.Errorf("%q is not an integer", text)
		}
		return int64(f), nil
	case "float", "number":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", text)
		}
		return f, nil
	case "bool", "boolean":
		switch strings.ToLower(text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", text)
	case "object":
		if s, isString := value.(string); isString {
			var obj map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err == nil {
				return obj, nil
			}
		}
		return value, nil
	default:
		return value, nil
	}
}

// scalarText 返回去掉空白和引号后的文本形式。
func scalarText(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), `"'`))
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}

func matchEnum(text, kind string) (any, error) {
	inner := strings.TrimSpace(strings.TrimPrefix(kind, "enum"))
	if !strings.HasPrefix(inner, "(") || !strings.HasSuffix(inner, ")") {
		return nil, fmt.Errorf("invalid enum hint %q", kind)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(inner[1 : len(inner)-1])))
	dec.UseNumber()
	var allowed []any
	if err := dec.Decode(&allowed); err != nil {
		return nil, fmt.Errorf("enum values are not a JSON array: %w", err)
	}
	for _, candidate := range allowed {
		if scalarText(candidate) == text {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("%q is not one of %v", text, allowed)
}

// cleanCode 去掉 markdown 代码围栏及语言标记。
func cleanCode(text string) string {
	text = codeFence.ReplaceAllString(text, "")
	text = codeTail.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
