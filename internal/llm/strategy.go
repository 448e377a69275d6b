package llm

// Strategy 表示满足工具或结构化输出需求的方式。
type Strategy string

const (
	// NativeToolCalling 使用服务商原生的工具调用；纯文本请求也走这条路径。
	NativeToolCalling Strategy = "native_tool_calling"
	// NativeSchema 使用服务商原生的结构化输出。
	NativeSchema Strategy = "native_schema"
	// PromptFallback 通过提示词约束输出格式，再从文本中提取。
	PromptFallback Strategy = "prompt_fallback"
)

// SelectStrategy 是 (能力, 是否带工具, 是否带 schema) 的纯函数，按优先级依次判断。
func SelectStrategy(caps Capabilities, hasTools, hasSchema bool) Strategy {
	switch {
	case hasTools && caps.Tools:
		return NativeToolCalling
	case hasSchema && caps.Schema:
		return NativeSchema
	case hasTools || hasSchema:
		return PromptFallback
	default:
		return NativeToolCalling
	}
}
