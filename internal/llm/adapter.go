package llm

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Endpoint 是从目录解析出的访问地址与凭据。
type Endpoint struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// URL 拼接路径，避免出现重复的斜杠。
func (e Endpoint) URL(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// WireInput 是派发器在选定策略后交给适配器的输入。
// Tools 或 Schema 非空即表示需要使用原生能力。
type WireInput struct {
	Tag       string
	Messages  []Message
	Tools     []ToolDefinition
	Schema    *Schema
	Sampling  Sampling
	Reasoning ReasoningMode
	Strategy  Strategy
	Endpoint  Endpoint
}

// SystemPrompt 拼接所有系统消息。
func (in WireInput) SystemPrompt() string {
	var parts []string
	for _, m := range in.Messages {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Conversation 返回去掉系统消息后的历史。
func (in WireInput) Conversation() []Message {
	out := make([]Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// WireRequest 是格式化完成、可直接发送的 HTTP 请求描述。
type WireRequest struct {
	Provider string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
}

// NewWireRequest 创建 JSON POST 请求。
func NewWireRequest(provider, url string, body []byte) *WireRequest {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &WireRequest{Provider: provider, Method: http.MethodPost, URL: url, Header: header, Body: body}
}

// ApplyHeaders 写入目录中配置的额外请求头。
func (r *WireRequest) ApplyHeaders(headers map[string]string) {
	for k, v := range headers {
		r.Header.Set(k, v)
	}
}

// Adapter 在归一化模型和服务商线格式之间转换，不执行任何 I/O。
type Adapter interface {
	Name() string
	FormatRequest(in WireInput) (*WireRequest, error)
	ParseResponse(body []byte) (*ResponsePayload, error)
	SupportsTools(tag string) bool
	SupportsNativeSchema(tag string) bool
}

// CapabilitiesOf 查询适配器对指定模型的原生能力。
func CapabilitiesOf(a Adapter, tag string) Capabilities {
	return Capabilities{Tools: a.SupportsTools(tag), Schema: a.SupportsNativeSchema(tag)}
}

// NewToolCallID 为不返回调用 ID 的服务商生成唯一 ID。
func NewToolCallID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
