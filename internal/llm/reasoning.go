package llm

import (
	"regexp"
	"strings"
)

var thinkPattern = regexp.MustCompile(`(?is)<think>(.*?)</think>`)

// ReasoningInstruction 用于 reasoning=prompt 的模型。
const ReasoningInstruction = "Before answering, think step by step inside <think></think> tags. " +
	"After the closing </think> tag, write only the final answer."

// ExtractReasoning 拆分 <think> 块与正文。
func ExtractReasoning(text string) (reasoning, answer string) {
	matches := thinkPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", strings.TrimSpace(text)
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m[1]); s != "" {
			parts = append(parts, s)
		}
	}
	answer = strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
	return strings.Join(parts, "\n"), answer
}

// SplitReasoning 原地把 Text 中的 <think> 内容移动到 Reasoning。
func (p *ResponsePayload) SplitReasoning() {
	if p == nil {
		return
	}
	reasoning, answer := ExtractReasoning(p.Text)
	p.Text = answer
	if reasoning == "" {
		return
	}
	if p.Reasoning == "" {
		p.Reasoning = reasoning
	} else {
		p.Reasoning = p.Reasoning + "\n" + reasoning
	}
}
