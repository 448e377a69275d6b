package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"OpenLLM-Core/internal/catalog"
	"OpenLLM-Core/internal/conversation"
	"OpenLLM-Core/internal/dispatch"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/llm/provider"
	"OpenLLM-Core/internal/retry"
	"OpenLLM-Core/internal/usage"
	"OpenLLM-Core/pkg/logger"
)

// byModel 按模型名决定行为，并统计并发峰值。
type byModel struct {
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (f *byModel) Execute(ctx context.Context, req llm.CallRequest) (*llm.ResponsePayload, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	switch req.Model {
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	case "broken":
		return nil, xerrors.NewAPIError(http.StatusBadRequest, []byte("bad request"))
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.ResponsePayload{Text: "answer from " + req.Model, Model: req.Model}, nil
}

func requests(models ...string) []llm.CallRequest {
	out := make([]llm.CallRequest, len(models))
	for i, m := range models {
		out[i] = llm.CallRequest{Model: m, Messages: []llm.Message{llm.UserMessage("2+2?")}}
	}
	return out
}

func TestSwarmIsolatesTimeout(t *testing.T) {
	fake := &byModel{delay: 20 * time.Millisecond}
	exec := New(WithLimit(3), WithCallTimeout(150*time.Millisecond), WithLogger(logger.Discard()))

	results := exec.RunCalls(context.Background(), fake, requests("m1", "m2", "hang", "m4", "m5"))
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i {
			t.Fatalf("result %d carries index %d", i, res.Index)
		}
		if i == 2 {
			if xerrors.CodeOf(res.Err) != xerrors.CodeTimeout || res.Payload != nil {
				t.Fatalf("expected timeout at index 2, got %+v", res)
			}
			continue
		}
		if !res.OK() || res.Payload.Text != fmt.Sprintf("answer from m%d", i+1) {
			t.Fatalf("result %d should succeed: %+v", i, res)
		}
	}
	if peak := fake.peak.Load(); peak > 3 {
		t.Fatalf("concurrency limit exceeded: %d", peak)
	}
}

func TestSwarmFailureDoesNotCancelSiblings(t *testing.T) {
	fake := &byModel{delay: 30 * time.Millisecond}
	results := New(WithLimit(5), WithLogger(logger.Discard())).
		RunCalls(context.Background(), fake, requests("broken", "m2", "m3"))
	if xerrors.CodeOf(results[0].Err) != xerrors.CodeAPI {
		t.Fatalf("expected api error at index 0, got %v", results[0].Err)
	}
	for _, res := range results[1:] {
		if !res.OK() {
			t.Fatalf("sibling failed: %+v", res)
		}
	}
}

func TestSwarmNilTaskAndPanic(t *testing.T) {
	results := New(WithLogger(logger.Discard())).Run(context.Background(), []Task{
		nil,
		func(context.Context) (*llm.ResponsePayload, error) { panic("boom") },
		func(context.Context) (*llm.ResponsePayload, error) { return nil, nil },
		func(context.Context) (*llm.ResponsePayload, error) { return &llm.ResponsePayload{Text: "ok"}, nil },
	})
	if xerrors.CodeOf(results[0].Err) != xerrors.CodeInvalidArgument {
		t.Fatalf("nil task: %v", results[0].Err)
	}
	if results[1].OK() || !strings.Contains(results[1].Err.Error(), "panicked") {
		t.Fatalf("panic should be isolated: %v", results[1].Err)
	}
	if xerrors.CodeOf(results[2].Err) != xerrors.CodeResponseParse {
		t.Fatalf("empty payload: %v", results[2].Err)
	}
	if !results[3].OK() {
		t.Fatalf("healthy task failed: %v", results[3].Err)
	}
}

func TestSwarmParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := New(WithLogger(logger.Discard())).RunCalls(ctx, &byModel{}, requests("m1", "m2"))
	for _, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", res.Err)
		}
		if xerrors.HasCode(res.Err, xerrors.CodeTimeout) {
			t.Fatalf("caller cancellation is not a per-call timeout")
		}
	}
}

func TestSwarmOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("output[i] corresponds to input[i]", prop.ForAll(
		func(delays []int, limit int) bool {
			tasks := make([]Task, len(delays))
			for i, d := range delays {
				tasks[i] = func(ctx context.Context) (*llm.ResponsePayload, error) {
					time.Sleep(time.Duration(d) * time.Millisecond)
					if d%7 == 0 {
						return nil, xerrors.New(xerrors.CodeNetwork, fmt.Sprintf("fail %d", i))
					}
					return &llm.ResponsePayload{Text: fmt.Sprint(i)}, nil
				}
			}
			results := New(WithLimit(limit), WithLogger(logger.Discard())).Run(context.Background(), tasks)
			if len(results) != len(tasks) {
				return false
			}
			for i, res := range results {
				if res.Index != i {
					return false
				}
				if delays[i]%7 == 0 {
					if res.OK() || !strings.HasSuffix(res.Err.Error(), fmt.Sprintf("fail %d", i)) {
						return false
					}
					continue
				}
				if !res.OK() || res.Payload.Text != fmt.Sprint(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 5)), gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

func TestSwarmThroughDispatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"model":"slow-model"`) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":10,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	cat, err := catalog.Parse([]byte(fmt.Sprintf(`
providers:
  openai:
    kind: openai
    base_url: %s
    models:
      model-a: {}
      model-b: {}
      slow-model: {}
      model-d: {}
      model-e: {}
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

	exec := New(WithLimit(3), WithCallTimeout(200*time.Millisecond), WithLogger(logger.Discard()))
	results := exec.RunCalls(context.Background(), d, requests("model-a", "model-b", "slow-model", "model-d", "model-e"))
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, res := range results {
		if i == 2 {
			if xerrors.CodeOf(res.Err) != xerrors.CodeTimeout {
				t.Fatalf("expected timeout at index 2, got %v", res.Err)
			}
			continue
		}
		if !res.OK() || res.Payload.Text != "4" {
			t.Fatalf("result %d: %+v", i, res)
		}
	}
	if n := sink.Len(); n != 5 {
		t.Fatalf("the timed out call reached the provider and is billed as a failure, got %d records", n)
	}
}

// stubborn 忽略 ctx，模拟阻塞的同步工具调用。
type stubborn struct {
	running atomic.Int32
	peak    atomic.Int32
	block   time.Duration
}

func (s *stubborn) task(context.Context) (*llm.ResponsePayload, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.block)
	return &llm.ResponsePayload{Text: "late"}, nil
}

func TestTimedOutSlotHoldsConcurrency(t *testing.T) {
	s := &stubborn{block: 80 * time.Millisecond}
	tasks := []Task{s.task, s.task, s.task, s.task}
	exec := New(WithLimit(1), WithCallTimeout(10*time.Millisecond), WithLogger(logger.Discard()))

	results := exec.Run(context.Background(), tasks)
	for i, res := range results {
		if xerrors.CodeOf(res.Err) != xerrors.CodeTimeout || res.Payload != nil {
			t.Fatalf("slot %d should time out, got %+v", i, res)
		}
		if res.Duration >= s.block {
			t.Fatalf("slot %d timeout should be recorded when it fires, took %s", i, res.Duration)
		}
	}
	if peak := s.peak.Load(); peak != 1 {
		t.Fatalf("in-flight calls exceeded the limit: peak=%d", peak)
	}
}

func TestTurnTask(t *testing.T) {
	fake := &byModel{delay: time.Millisecond}
	conv, err := conversation.New(fake, "m1", conversation.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	results := New(WithLogger(logger.Discard())).Run(context.Background(), []Task{Turn(conv, "hi", "vote")})
	if !results[0].OK() || results[0].Payload.Text != "answer from m1" {
		t.Fatalf("unexpected turn result %+v", results[0])
	}
}
