package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderHTTPAndCalls(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	ObserveHTTPRequest("/v1/call", http.MethodPost, 200, 30*time.Millisecond)
	ObserveHTTPRequest("/v1/call", http.MethodPost, 502, 2*time.Second)
	ObserveCall(Call{Provider: "openai", Model: "gpt-4o-mini", Strategy: "native_tool_calling", Success: true, Attempts: 4, InputTokens: 10, OutputTokens: 5, Cost: 0.5, Latency: 120 * time.Millisecond})
	ObserveCall(Call{Provider: "openai", Model: "gpt-4o-mini", Strategy: "native_tool_calling", Success: false, Attempts: 3, Latency: time.Second})

	out := Render()
	for _, want := range []string{
		`llmcore_http_requests_total{handler="/v1/call",method="POST",code="200"} 1`,
		`llmcore_http_request_errors_total{handler="/v1/call",method="POST"} 1`,
		`llmcore_http_request_duration_seconds_bucket{handler="/v1/call",method="POST",le="+Inf"} 2`,
		`llmcore_calls_total{provider="openai",model="gpt-4o-mini",strategy="native_tool_calling",outcome="success"} 1`,
		`llmcore_calls_total{provider="openai",model="gpt-4o-mini",strategy="native_tool_calling",outcome="failure"} 1`,
		`llmcore_call_attempts_total{provider="openai",model="gpt-4o-mini"} 7`,
		`llmcore_tokens_total{provider="openai",model="gpt-4o-mini",direction="input"} 10`,
		`llmcore_cost_total{provider="openai",model="gpt-4o-mini"} 0.5`,
		`llmcore_call_duration_seconds_bucket{provider="openai",model="gpt-4o-mini",le="0.25"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestHandlerServesText(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	ObserveHTTPRequest(`we"ird`, http.MethodGet, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `handler="we\"ird"`) {
		t.Fatalf("label should be escaped: %s", rec.Body.String())
	}
}

func TestHistogramOverflowOnlyCountsInf(t *testing.T) {
	h := newHistogram()
	h.observe(1000)
	for i, c := range h.counts {
		if c != 0 {
			t.Fatalf("bucket %v should be empty, got %d", h.buckets[i], c)
		}
	}
	if h.count != 1 || h.sum != 1000 {
		t.Fatalf("unexpected totals %d %v", h.count, h.sum)
	}
}
