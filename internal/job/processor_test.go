package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/observability/alerting"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []llm.CallRequest
	calls    atomic.Int32
	latency  time.Duration
	reply    func(n int, req llm.CallRequest) (*llm.ResponsePayload, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req llm.CallRequest) (*llm.ResponsePayload, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, xerrors.Timeout(ctx.Err(), "call deadline exceeded")
		}
	}
	if f.reply != nil {
		return f.reply(n, req)
	}
	return &llm.ResponsePayload{Text: "ok", Model: req.Model}, nil
}

func (f *fakeExecutor) lastRequest() llm.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, id)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Metadata["stage"]
	}
	return out
}

func seedJob(t *testing.T, store Store, id, model string, maxRetries int) {
	t.Helper()
	if err := store.Create(context.Background(), newJob(id, model, maxRetries)); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		req := llm.CallRequest{Model: "gpt-test", Messages: []llm.Message{llm.UserMessage(fmt.Sprintf("prompt-%d", i))}}
		if _, err := service.Submit(ctx, SubmitRequest{Request: req}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, _ := service.Stats(ctx)
		if stats.Succeeded >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", stats.Succeeded)
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got := int(exec.calls.Load()); got != total {
		t.Fatalf("expected exactly %d executions, got %d", total, got)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	exec := &fakeExecutor{reply: func(n int, req llm.CallRequest) (*llm.ResponsePayload, error) {
		if n == 1 {
			return nil, xerrors.NewAPIError(503, []byte("overloaded"))
		}
		return &llm.ResponsePayload{Text: "ok", Model: req.Model}, nil
	}}
	p := NewProcessor(exec, store, nil, producer)
	seedJob(t, store, "job-1", "gpt-test", 2)

	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusPending || job.Attempts != 1 || job.ErrorCode != string(xerrors.CodeAPI) {
		t.Fatalf("retryable failure should return to pending: %+v", job)
	}
	if len(producer.published) != 1 || producer.published[0] != "job-1" {
		t.Fatalf("job should be requeued, got %v", producer.published)
	}
	if got := exec.lastRequest().SessionID; got != "job-1" {
		t.Fatalf("session id should default to the job id, got %q", got)
	}

	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	job, _ = store.Get(ctx, "job-1")
	if job.Status != StatusSucceeded || job.Attempts != 2 || job.Response == nil || job.Response.Text != "ok" {
		t.Fatalf("unexpected job after retry: %+v", job)
	}
}

func TestProcessorFailsNonRetryableImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingAlerts{}
	exec := &fakeExecutor{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return nil, xerrors.NewAPIError(400, []byte("bad request"))
	}}
	p := NewProcessor(exec, store, nil, producer, WithAlertDispatcher(alerts))
	seedJob(t, store, "job-1", "gpt-test", 5)

	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusFailed || job.Attempts != 1 {
		t.Fatalf("non-retryable failure should be terminal: %+v", job)
	}
	if len(producer.published) != 0 {
		t.Fatalf("terminal failure must not be requeued")
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "non_retryable" {
		t.Fatalf("unexpected alerts %v", stages)
	}
	if alerts.events[0].JobID != "job-1" || alerts.events[0].Model != "gpt-test" {
		t.Fatalf("alert missing job context: %+v", alerts.events[0])
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingAlerts{}
	exec := &fakeExecutor{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return nil, xerrors.Wrap(xerrors.CodeMaxRetriesExceeded, xerrors.NewAPIError(503, nil), "retries exhausted")
	}}
	p := NewProcessor(exec, store, nil, producer, WithAlertDispatcher(alerts))
	seedJob(t, store, "job-1", "gpt-test", 1)

	for i := 0; i < 3; i++ {
		if err := p.handle(ctx, "job-1"); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusFailed || job.Attempts != 2 {
		t.Fatalf("expected failure after 2 attempts: %+v", job)
	}
	if job.ErrorCode != string(xerrors.CodeMaxRetriesExceeded) {
		t.Fatalf("unexpected error code %s", job.ErrorCode)
	}
	if got := exec.calls.Load(); got != 2 {
		t.Fatalf("exhausted job must not execute again, got %d calls", got)
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected one requeue, got %v", producer.published)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("unexpected alerts %v", stages)
	}
}

func TestProcessorFallbackModelRecovery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alerts := &recordingAlerts{}
	exec := &fakeExecutor{reply: func(_ int, req llm.CallRequest) (*llm.ResponsePayload, error) {
		if req.Model == "primary" {
			return nil, xerrors.NewAPIError(400, []byte("context too long"))
		}
		return &llm.ResponsePayload{Text: "from backup", Model: req.Model}, nil
	}}
	p := NewProcessor(exec, store, nil, &recordingProducer{},
		WithAlertDispatcher(alerts),
		WithRecoveryHandler(&FallbackModel{Executor: exec, Model: "backup"}),
	)
	seedJob(t, store, "job-1", "primary", 0)

	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusSucceeded || job.Response == nil || job.Response.Model != "backup" {
		t.Fatalf("fallback result should complete the job: %+v", job)
	}
	if req := exec.lastRequest(); req.Model != "backup" || req.SessionID != "job-1" {
		t.Fatalf("unexpected fallback request %+v", req)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "degraded" {
		t.Fatalf("unexpected alerts %v", stages)
	}
}

type failingRecovery struct{}

func (failingRecovery) Recover(context.Context, *Job, error) (*llm.ResponsePayload, error) {
	return nil, errors.New("backup unavailable")
}

func TestProcessorRecoveryFailureStillFailsJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alerts := &recordingAlerts{}
	exec := &fakeExecutor{reply: func(int, llm.CallRequest) (*llm.ResponsePayload, error) {
		return nil, xerrors.NewAPIError(401, nil)
	}}
	p := NewProcessor(exec, store, nil, &recordingProducer{},
		WithAlertDispatcher(alerts), WithRecoveryHandler(failingRecovery{}))
	seedJob(t, store, "job-1", "gpt-test", 3)

	_ = p.handle(ctx, "job-1")
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusFailed {
		t.Fatalf("expected failed job, got %+v", job)
	}
	stages := alerts.stages()
	if len(stages) != 2 || stages[0] != "compensate" || stages[1] != "non_retryable" {
		t.Fatalf("unexpected alerts %v", stages)
	}
}

func TestFallbackModelSkipsSameModel(t *testing.T) {
	exec := &fakeExecutor{}
	f := &FallbackModel{Executor: exec, Model: "gpt-test"}
	resp, err := f.Recover(context.Background(), newJob("j", "gpt-test", 0), errors.New("x"))
	if resp != nil || err != nil || exec.calls.Load() != 0 {
		t.Fatalf("fallback to the same model should be a no-op")
	}
}

func TestProcessorJobTimeoutRequeues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	exec := &fakeExecutor{latency: time.Second}
	p := NewProcessor(exec, store, nil, producer, WithJobTimeout(20*time.Millisecond))
	seedJob(t, store, "job-1", "gpt-test", 1)

	start := time.Now()
	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("job timeout not enforced, took %s", elapsed)
	}
	job, _ := store.Get(ctx, "job-1")
	if job.Status != StatusPending || job.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("timed out job should be retried: %+v", job)
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected requeue, got %v", producer.published)
	}
}

func TestProcessorSkipsUnknownAndCompletedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	p := NewProcessor(exec, store, nil, &recordingProducer{})
	seedJob(t, store, "done", "gpt-test", 0)
	_, _ = store.Claim(ctx, "done")
	_ = store.MarkSucceeded(ctx, "done", &llm.ResponsePayload{Text: "ok"})

	for _, id := range []string{"missing", "done"} {
		if err := p.handle(ctx, id); err != nil {
			t.Fatalf("handle %s: %v", id, err)
		}
	}
	if exec.calls.Load() != 0 {
		t.Fatalf("skipped jobs must not execute")
	}
}

func TestProcessorStartRequiresConsumer(t *testing.T) {
	p := NewProcessor(&fakeExecutor{}, NewMemoryStore(), nil, nil)
	if err := p.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
