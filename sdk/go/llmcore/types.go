package llmcore

import "encoding/json"

// Message is one entry of a conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// User builds a user message.
func User(content string) Message { return Message{Role: "user", Content: content} }

// System builds a system prompt.
func System(content string) Message { return Message{Role: "system", Content: content} }

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Sampling carries optional sampling parameters.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Thinking    bool     `json:"thinking,omitempty"`
}

// CallRequest is a single model call.
type CallRequest struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Schema    json.RawMessage  `json:"schema,omitempty"`
	Sampling  Sampling         `json:"sampling,omitempty"`
	Label     string           `json:"label,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the normalized result of a call.
type Response struct {
	Text         string          `json:"text"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Usage        Usage           `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Strategy     string          `json:"strategy,omitempty"`
	Cost         float64         `json:"cost"`
	Attempts     int             `json:"attempts,omitempty"`
}

// SwarmItem is the outcome of one request in a swarm, aligned by Index.
type SwarmItem struct {
	Index      int       `json:"index"`
	Payload    *Response `json:"payload,omitempty"`
	Error      *APIError `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// SwarmResult summarizes a swarm run.
type SwarmResult struct {
	Results   []SwarmItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// JobSubmission creates an asynchronous call. ID makes the submission idempotent.
type JobSubmission struct {
	ID         string      `json:"id,omitempty"`
	Request    CallRequest `json:"request"`
	MaxRetries *int        `json:"max_retries,omitempty"`
}

// Job is the server-side state of an asynchronous call.
type Job struct {
	ID         string      `json:"id"`
	Request    CallRequest `json:"request"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Response   *Response   `json:"response,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool { return j.Status == "succeeded" || j.Status == "failed" }

// Model describes a catalog entry.
type Model struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	Tag         string  `json:"tag"`
	TokenWindow int     `json:"token_window"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
	Reasoning   string  `json:"reasoning"`
}
