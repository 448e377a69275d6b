package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"OpenLLM-Core/internal/catalog"
	"OpenLLM-Core/internal/dispatch"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/llm/provider"
	"OpenLLM-Core/internal/retry"
	"OpenLLM-Core/internal/tool"
	"OpenLLM-Core/internal/usage"
	"OpenLLM-Core/pkg/logger"
)

// scripted 按顺序返回预设响应，并记录收到的请求。
type scripted struct {
	mu       sync.Mutex
	requests []llm.CallRequest
	reply    func(n int, req llm.CallRequest) (*llm.ResponsePayload, error)
}

func (s *scripted) Execute(_ context.Context, req llm.CallRequest) (*llm.ResponsePayload, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.reply(n, req)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func toolCall(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func fixedClock() *tool.Clock {
	return tool.NewClock(func() time.Time { return time.Date(2026, 1, 5, 15, 4, 0, 0, time.UTC) })
}

func clockLibrary(t *testing.T, extra ...tool.Tool) *tool.Library {
	t.Helper()
	lib, err := tool.NewLibrary(append([]tool.Tool{fixedClock()}, extra...)...)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return lib
}

func TestClockToolTurnCompletesInTwoCalls(t *testing.T) {
	exec := &scripted{reply: func(n int, req llm.CallRequest) (*llm.ResponsePayload, error) {
		if n == 1 {
			return &llm.ResponsePayload{ToolCalls: []llm.ToolCall{toolCall("call_1", tool.ClockName)}, Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}, Cost: 0.1}, nil
		}
		last, _ := req.LastMessage()
		return &llm.ResponsePayload{Text: "It is " + last.Content, Usage: llm.Usage{InputTokens: 20, OutputTokens: 5}, Cost: 0.2}, nil
	}}

	var transitions []string
	conv, err := New(exec, "gpt-test",
		WithSystemPrompt("You are a helpful assistant."),
		WithTools(clockLibrary(t)),
		WithObserver(func(from, to State) { transitions = append(transitions, string(from)+">"+string(to)) }),
		WithLogger(logger.Discard()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer conv.Close()

	res, err := conv.Send(context.Background(), "What time is it?", "clock")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.State != Completed || conv.State() != Completed {
		t.Fatalf("expected completed, got %s", res.State)
	}
	if exec.calls() != 2 || res.Calls != 2 {
		t.Fatalf("expected exactly 2 dispatcher calls, got %d", exec.calls())
	}
	if !strings.Contains(res.Text(), "3:04 PM on Monday, 1/5/2026") {
		t.Fatalf("final answer should use the tool result: %q", res.Text())
	}
	if res.Usage.InputTokens != 30 || res.Usage.OutputTokens != 7 || res.Cost < 0.299 || res.Cost > 0.301 {
		t.Fatalf("turn usage not aggregated: %+v cost=%v", res.Usage, res.Cost)
	}
	for _, req := range exec.requests {
		if req.Label != "clock" || req.SessionID != conv.ID() || len(req.Tools) != 1 {
			t.Fatalf("every call of the turn should carry label, session and tools: %+v", req)
		}
	}

	want := "idle>awaiting_response,awaiting_response>tool_execution,tool_execution>awaiting_response,awaiting_response>completed"
	if got := strings.Join(transitions, ","); got != want {
		t.Fatalf("unexpected transitions %s", got)
	}

	history := conv.History()
	roles := make([]string, len(history))
	for i, m := range history {
		roles[i] = string(m.Role)
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,tool,assistant" {
		t.Fatalf("unexpected history %s", got)
	}
	if history[3].ToolCallID != "call_1" || history[3].Content != `{"time":"3:04 PM on Monday, 1/5/2026"}` {
		t.Fatalf("unexpected tool message %+v", history[3])
	}
}

func TestUnknownToolIsReportedToTheModel(t *testing.T) {
	exec := &scripted{reply: func(n int, _ llm.CallRequest) (*llm.ResponsePayload, error) {
		if n == 1 {
			return &llm.ResponsePayload{ToolCalls: []llm.ToolCall{toolCall("c1", "launch_rockets")}}, nil
		}
		return &llm.ResponsePayload{Text: "I cannot do that."}, nil
	}}
	conv, err := New(exec, "gpt-test", WithTools(clockLibrary(t)), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer conv.Close()

	res, err := conv.Send(context.Background(), "launch", "")
	if err != nil {
		t.Fatalf("unknown tools must not fail the turn: %v", err)
	}
	if res.State != Completed || len(res.ToolResults) != 1 || !res.ToolResults[0].Failed {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ToolResults[0].Content != "Tool 'launch_rockets' not found in library." {
		t.Fatalf("unexpected tool content %q", res.ToolResults[0].Content)
	}
	if res.ToolResults[0].Error != string(xerrors.CodeUnsupportedCapability) {
		t.Fatalf("unexpected error code %q", res.ToolResults[0].Error)
	}
}

func TestFailedDispatchEndsTurn(t *testing.T) {
	fail := true
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		if fail {
			return nil, xerrors.NewAPIError(http.StatusBadRequest, []byte("bad"))
		}
		return &llm.ResponsePayload{Text: "ok"}, nil
	}}
	conv, _ := New(exec, "gpt-test", WithLogger(logger.Discard()))

	res, err := conv.Send(context.Background(), "hi", "")
	if xerrors.CodeOf(err) != xerrors.CodeAPI {
		t.Fatalf("dispatch error should propagate, got %v", err)
	}
	if res.State != Failed || conv.State() != Failed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	if h := conv.History(); len(h) != 1 || h[0].Role != llm.RoleUser {
		t.Fatalf("history should keep the user message only: %+v", h)
	}

	fail = false
	res, err = conv.Send(context.Background(), "again", "")
	if err != nil || res.State != Completed {
		t.Fatalf("conversation should accept a new turn after failure: %v %+v", err, res)
	}
	h := conv.History()
	if len(h) != 3 || h[0].Content != "hi" || h[1].Role != llm.RoleUser || h[1].Content != "again" || h[2].Role != llm.RoleAssistant {
		t.Fatalf("the failed turn's message stays in place and the new one follows it: %+v", h)
	}
	retried := exec.requests[1].Messages
	if len(retried) != 2 || retried[0].Content != "hi" || retried[1].Content != "again" {
		t.Fatalf("the next dispatch should carry both user messages in order: %+v", retried)
	}
}

func TestToolsAndSchemaAreExclusive(t *testing.T) {
	schema := &llm.Schema{Name: "answer", Properties: []llm.SchemaProperty{{Name: "value", Type: "integer"}}}
	_, err := New(&scripted{}, "gpt-test", WithTools(clockLibrary(t)), WithSchema(schema))
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedCapability {
		t.Fatalf("expected unsupported capability, got %v", err)
	}
	if _, err := New(nil, "gpt-test"); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("nil executor should be rejected, got %v", err)
	}
}

func TestStructuredAnswerIsStoredAsJSON(t *testing.T) {
	schema := &llm.Schema{Name: "answer", Properties: []llm.SchemaProperty{{Name: "value", Type: "integer"}}}
	exec := &scripted{reply: func(_ int, req llm.CallRequest) (*llm.ResponsePayload, error) {
		if req.Schema == nil || req.Schema.Name != "answer" {
			t.Errorf("schema should be forwarded")
		}
		return &llm.ResponsePayload{Structured: json.RawMessage(`{"value":4}`)}, nil
	}}
	conv, _ := New(exec, "gpt-test", WithSchema(schema), WithLogger(logger.Discard()))
	res, err := conv.Send(context.Background(), "2+2", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text() != `{"value":4}` {
		t.Fatalf("unexpected text %q", res.Text())
	}
	if h := conv.History(); h[len(h)-1].Content != `{"value":4}` {
		t.Fatalf("assistant message should hold the structured answer: %+v", h[len(h)-1])
	}
}

func TestBatchPolicies(t *testing.T) {
	for _, policy := range []tool.Policy{tool.Sequential, tool.ConcurrentSafe} {
		t.Run(string(policy), func(t *testing.T) {
			var running, peak atomic.Int32
			slow := func(name string) tool.Tool {
				return tool.NewFunc(llm.ToolDefinition{Name: name}, func(context.Context, json.RawMessage) (string, error) {
					n := running.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(20 * time.Millisecond)
					running.Add(-1)
					return name + " done", nil
				}, tool.WithConcurrencySafe())
			}
			lib, _ := tool.NewLibrary(slow("lookup_a"), slow("lookup_b"))
			runner := tool.NewExecutor(tool.WithWorkers(2), tool.WithPolicy(policy), tool.WithLogger(logger.Discard()))
			defer runner.Close()

			exec := &scripted{reply: func(n int, _ llm.CallRequest) (*llm.ResponsePayload, error) {
				if n == 1 {
					return &llm.ResponsePayload{ToolCalls: []llm.ToolCall{toolCall("a", "lookup_a"), toolCall("b", "lookup_b")}}, nil
				}
				return &llm.ResponsePayload{Text: "done"}, nil
			}}
			conv, _ := New(exec, "gpt-test", WithTools(lib), WithToolExecutor(runner), WithLogger(logger.Discard()))

			res, err := conv.Send(context.Background(), "look both up", "")
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if len(res.ToolResults) != 2 || res.ToolResults[0].CallID != "a" || res.ToolResults[1].CallID != "b" {
				t.Fatalf("tool results should follow call order: %+v", res.ToolResults)
			}
			want := int32(1)
			if policy == tool.ConcurrentSafe {
				want = 2
			}
			if peak.Load() != want {
				t.Fatalf("policy %s: expected peak %d, got %d", policy, want, peak.Load())
			}
		})
	}
}

func TestSendSerializesTurns(t *testing.T) {
	var inFlight, overlap atomic.Int32
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return &llm.ResponsePayload{Text: "ok"}, nil
	}}
	conv, _ := New(exec, "gpt-test", WithLogger(logger.Discard()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := conv.Send(context.Background(), fmt.Sprintf("msg %d", i), ""); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if overlap.Load() != 0 {
		t.Fatalf("turns overlapped %d times", overlap.Load())
	}
	history := conv.History()
	if len(history) != 16 {
		t.Fatalf("expected 16 messages, got %d", len(history))
	}
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != llm.RoleUser || history[i+1].Role != llm.RoleAssistant {
			t.Fatalf("user and assistant messages interleaved at %d", i)
		}
	}
}

func TestTurnBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a model that always calls tools stops after max rounds", prop.ForAll(
		func(maxRounds int, width int) bool {
			exec := &scripted{reply: func(n int, _ llm.CallRequest) (*llm.ResponsePayload, error) {
				calls := make([]llm.ToolCall, width)
				for i := range calls {
					calls[i] = toolCall(fmt.Sprintf("c%d_%d", n, i), tool.ClockName)
				}
				return &llm.ResponsePayload{ToolCalls: calls}, nil
			}}
			lib, _ := tool.NewLibrary(fixedClock())
			conv, err := New(exec, "gpt-test", WithTools(lib), WithMaxToolRounds(maxRounds), WithLogger(logger.Discard()))
			if err != nil {
				return false
			}
			defer conv.Close()

			res, err := conv.Send(context.Background(), "loop", "")
			if xerrors.CodeOf(err) != xerrors.CodeMaxTurnsExceeded || res.State != MaxTurnsExceeded {
				return false
			}
			if exec.calls() != maxRounds+1 {
				return false
			}
			// 每个工具调用都必须有对应结果。
			pending := map[string]bool{}
			for _, m := range conv.History() {
				for _, c := range m.ToolCalls {
					pending[c.ID] = true
				}
				if m.Role == llm.RoleTool {
					delete(pending, m.ToolCallID)
				}
			}
			return len(pending) == 0
		},
		gen.IntRange(1, 6), gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}

func TestContextCancellationFailsTurn(t *testing.T) {
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return nil, context.Canceled
	}}
	conv, _ := New(exec, "gpt-test", WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := conv.Send(ctx, "hi", "")
	if !errors.Is(err, context.Canceled) || res.State != Failed {
		t.Fatalf("expected canceled failure, got %v %+v", err, res)
	}
}

func TestManager(t *testing.T) {
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return &llm.ResponsePayload{Text: "ok"}, nil
	}}
	runner := tool.NewExecutor(tool.WithLogger(logger.Discard()))
	defer runner.Close()
	m := NewManager(exec, clockLibrary(t), runner, 3)

	conv, err := m.Create(Spec{Model: "gpt-test", UseTools: true}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := m.Get(conv.ID(), "")
	if err != nil || got != conv {
		t.Fatalf("Get: %v", err)
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != conv.ID() {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := m.Delete(conv.ID(), ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(conv.ID(), ""); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Create(Spec{}, ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing model should be rejected, got %v", err)
	}
}

func TestManagerScopesConversationsToOwner(t *testing.T) {
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return &llm.ResponsePayload{Text: "ok"}, nil
	}}
	m := NewManager(exec, nil, nil, 3)

	conv, err := m.Create(Spec{Model: "gpt-test"}, "ops")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Get(conv.ID(), "ops"); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	for _, other := range []string{"", "billing"} {
		if _, err := m.Get(conv.ID(), other); xerrors.CodeOf(err) != xerrors.CodeNotFound {
			t.Fatalf("caller %q must not see the conversation, got %v", other, err)
		}
		if err := m.Delete(conv.ID(), other); xerrors.CodeOf(err) != xerrors.CodeNotFound {
			t.Fatalf("caller %q must not delete the conversation, got %v", other, err)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("foreign delete must leave the conversation in place")
	}
}

func TestManagerExpiresIdleAndCapsActive(t *testing.T) {
	exec := &scripted{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return &llm.ResponsePayload{Text: "ok"}, nil
	}}
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	m := NewManager(exec, nil, nil, 3,
		WithIdleTTL(10*time.Minute),
		WithMaxConversations(2),
		WithManagerClock(func() time.Time { return now }),
	)

	first, _ := m.Create(Spec{Model: "gpt-test"}, "")
	second, _ := m.Create(Spec{Model: "gpt-test"}, "")
	if _, err := m.Create(Spec{Model: "gpt-test"}, ""); xerrors.CodeOf(err) != CodeLimitReached {
		t.Fatalf("expected limit error, got %v", err)
	}

	now = now.Add(6 * time.Minute)
	if _, err := m.Get(second.ID(), ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	now = now.Add(6 * time.Minute)
	if _, err := m.Get(first.ID(), ""); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("idle conversation should expire, got %v", err)
	}
	if _, err := m.Get(second.ID(), ""); err != nil {
		t.Fatalf("recently used conversation should survive: %v", err)
	}
	if _, err := m.Create(Spec{Model: "gpt-test"}, ""); err != nil {
		t.Fatalf("expiry should free a slot: %v", err)
	}
}

func TestClockConversationThroughDispatcher(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if hits.Add(1) == 1 {
			if !strings.Contains(string(body), `"get_current_time"`) {
				t.Errorf("first request should advertise the clock tool: %s", body)
			}
			_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[`+
				`{"id":"call_1","type":"function","function":{"name":"get_current_time","arguments":"{}"}}]},`+
				`"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":50,"completion_tokens":10}}`)
			return
		}
		if !strings.Contains(string(body), `"tool_call_id":"call_1"`) {
			t.Errorf("second request should carry the tool result: %s", body)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"It is 3:04 PM."},`+
			`"finish_reason":"stop"}],"usage":{"prompt_tokens":80,"completion_tokens":8}}`)
	}))
	defer srv.Close()

	cat, err := catalog.Parse([]byte(fmt.Sprintf(`
providers:
  openai:
    kind: openai
    base_url: %s
    models:
      gpt-test: {input_price: 1, output_price: 2}
`, srv.URL)))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	reg, err := provider.NewRegistry(cat)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sink := usage.NewMemory()
	d := dispatch.New(reg,
		dispatch.WithPolicy(retry.New(retry.WithMaxAttempts(1))),
		dispatch.WithSink(sink),
		dispatch.WithLogger(logger.Discard()),
	)

	conv, err := New(d, "gpt-test", WithTools(clockLibrary(t)), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer conv.Close()

	res, err := conv.Send(context.Background(), "What time is it?", "clock demo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.State != Completed || res.Calls != 2 || res.Text() != "It is 3:04 PM." {
		t.Fatalf("unexpected result %+v", res)
	}
	records := sink.Records()
	if len(records) != 2 {
		t.Fatalf("expected one usage record per dispatcher call, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Label != "clock demo" || rec.SessionID != conv.ID() {
			t.Fatalf("records should carry label and session: %+v", rec)
		}
	}
}
