package ollama

import (
	"encoding/json"
	"strings"
	"testing"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

func decode(t *testing.T, wire *llm.WireRequest) request {
	t.Helper()
	var body request
	if err := json.Unmarshal(wire.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestFormatRequestToolModel(t *testing.T) {
	wire, err := New().FormatRequest(llm.WireInput{
		Tag:       "qwen3:0.6b",
		Messages:  []llm.Message{llm.SystemMessage("be brief"), llm.UserMessage("time?")},
		Tools:     []llm.ToolDefinition{{Name: "clock", Description: "current time"}},
		Reasoning: llm.ReasoningToggle,
		Sampling:  llm.Sampling{Thinking: true},
		Endpoint:  llm.Endpoint{BaseURL: "http://localhost:11434"},
	})
	if err != nil {
		t.Fatalf("FormatRequest: %v", err)
	}
	if wire.URL != "http://localhost:11434/api/chat" {
		t.Fatalf("unexpected url %s", wire.URL)
	}
	if wire.Header.Get("Authorization") != "" {
		t.Fatalf("ollama should not send auth headers")
	}

	body := decode(t, wire)
	if body.Stream {
		t.Fatalf("stream must be false")
	}
	if body.ToolChoice != "required" || len(body.Tools) != 1 {
		t.Fatalf("tools not attached: %+v", body)
	}
	if !strings.HasPrefix(body.Messages[0].Content, toolSystemPrompt+"\n\n---\n\nbe brief") {
		t.Fatalf("tool prompt not merged into system message: %q", body.Messages[0].Content)
	}
	if body.Think == nil || !*body.Think {
		t.Fatalf("think should be enabled for toggle models when requested")
	}
	if body.Options.Temperature != defaultTemperature {
		t.Fatalf("default temperature not applied")
	}
}

func TestFormatRequestSchema(t *testing.T) {
	schema := &llm.Schema{Name: "answer", Properties: []llm.SchemaProperty{{Name: "value", Type: "integer"}}}

	wire, err := New().FormatRequest(llm.WireInput{Tag: "llama3.2:1b", Messages: []llm.Message{llm.UserMessage("2+2")}, Schema: schema})
	if err != nil {
		t.Fatalf("FormatRequest: %v", err)
	}
	body := decode(t, wire)
	if len(body.Tools) != 1 || body.Tools[0].Function.Name != "answer" || body.ToolChoice != "required" {
		t.Fatalf("schema should become a required tool: %+v", body)
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != toolSystemPrompt {
		t.Fatalf("tool system prompt should be prepended")
	}
	if body.Think != nil {
		t.Fatalf("think must be omitted for models without think support")
	}

	wire, err = New().FormatRequest(llm.WireInput{Tag: "mistral:7b", Messages: []llm.Message{llm.UserMessage("2+2")}, Schema: schema})
	if err != nil {
		t.Fatalf("FormatRequest: %v", err)
	}
	body = decode(t, wire)
	if body.Format != "json" || len(body.Tools) != 0 {
		t.Fatalf("non tool models should use json format: %+v", body)
	}
}

func TestFormatRequestGranite(t *testing.T) {
	wire, err := New().FormatRequest(llm.WireInput{
		Tag:      "granite3.3:2b",
		Messages: []llm.Message{llm.SystemMessage("local helper"), llm.UserMessage("time?")},
		Tools: []llm.ToolDefinition{{
			Name:        "clock",
			Description: "current time",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"tz":{"type":"string","description":"zone"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("FormatRequest: %v", err)
	}
	body := decode(t, wire)
	if len(body.Tools) != 0 {
		t.Fatalf("granite must not use the tools field")
	}
	if body.Messages[0].Content != graniteSystemPrompt+"\n\nlocal helper" {
		t.Fatalf("unexpected granite system prompt %q", body.Messages[0].Content)
	}
	if body.Messages[1].Role != "available_tools" {
		t.Fatalf("available_tools message missing: %+v", body.Messages)
	}
	var listed []graniteTool
	if err := json.Unmarshal([]byte(body.Messages[1].Content), &listed); err != nil {
		t.Fatalf("available_tools content should be json: %v", err)
	}
	if listed[0].Name != "clock" || listed[0].Arguments["tz"] == nil {
		t.Fatalf("unexpected tool list %+v", listed)
	}
	if len(body.Messages) != 3 || body.Messages[2].Content != "time?" {
		t.Fatalf("conversation should follow the tool list")
	}
}

func TestParseResponse(t *testing.T) {
	raw := `{
		"model": "qwen3:0.6b",
		"message": {"role": "assistant", "content": "<think>hmm</think>calling", "tool_calls": [
			{"function": {"name": "clock", "arguments": {"tz": "UTC"}}}
		]},
		"done": true,
		"prompt_eval_count": 30,
		"eval_count": 12
	}`
	payload, err := New().ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if payload.Text != "" {
		t.Fatalf("content should be cleared when tool calls are present, got %q", payload.Text)
	}
	if payload.Reasoning != "hmm" {
		t.Fatalf("reasoning not extracted: %q", payload.Reasoning)
	}
	if len(payload.ToolCalls) != 1 || !strings.HasPrefix(payload.ToolCalls[0].ID, "ollama-tool-") {
		t.Fatalf("unexpected tool calls %+v", payload.ToolCalls)
	}
	if string(payload.ToolCalls[0].Arguments) != `{"tz": "UTC"}` {
		t.Fatalf("unexpected arguments %s", payload.ToolCalls[0].Arguments)
	}
	if payload.Usage.InputTokens != 30 || payload.Usage.OutputTokens != 12 {
		t.Fatalf("unexpected usage %+v", payload.Usage)
	}
}

func TestParseResponseGraniteToolCall(t *testing.T) {
	raw := `{"message": {"role": "assistant", "content": "<|tool_call|>[{\"name\": \"clock\", \"arguments\": {}}]"}, "done": true}`
	payload, err := New().ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if payload.Text != "" || len(payload.ToolCalls) != 1 || payload.ToolCalls[0].Name != "clock" {
		t.Fatalf("granite tool call not extracted: %+v", payload)
	}

	if _, err := New().ParseResponse([]byte(`not json`)); xerrors.CodeOf(err) != xerrors.CodeResponseParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	a := New(WithToolModels("custom:1b"), WithGraniteModels())
	if !a.SupportsTools("custom:1b") || !a.SupportsNativeSchema("custom:1b") {
		t.Fatalf("configured tool model should support tools and schema")
	}
	if a.SupportsTools("granite3.3:2b") {
		t.Fatalf("granite list was cleared")
	}
	if New().SupportsNativeSchema("granite3.3:2b") {
		t.Fatalf("granite models should not claim native schema")
	}
}
