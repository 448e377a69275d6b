package llmcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpenLLM-Core/internal/api"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/job"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/swarm"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, req llm.CallRequest) (*llm.ResponsePayload, error) {
	if req.Model == "broken" {
		return nil, xerrors.NewAPIError(400, []byte("bad request"))
	}
	last, _ := req.LastMessage()
	return &llm.ResponsePayload{
		Text:  "echo: " + last.Content,
		Model: req.Model,
		Usage: llm.Usage{InputTokens: 3, OutputTokens: 2},
		Cost:  0.25,
	}, nil
}

type models []llm.ModelDescriptor

func (m models) Models() []llm.ModelDescriptor { return m }

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	processor := job.NewProcessor(echoExecutor{}, store, queue, queue)
	go func() { _ = processor.Start(ctx) }()

	server := api.NewServer(":0", api.Dependencies{
		Executor: echoExecutor{},
		Models:   models{{ID: "gpt-test", Provider: "openai", Tag: "fast", Reasoning: llm.ReasoningOff}},
		Swarm:    swarm.New(swarm.WithLimit(2)),
		Jobs:     job.NewService(store, queue, 0),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAgainstServer(t *testing.T) {
	srv := newAPIServer(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	resp, err := client.Call(ctx, CallRequest{Model: "gpt-test", Messages: []Message{User("hello")}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Text != "echo: hello" || resp.Usage.InputTokens != 3 || resp.Cost != 0.25 {
		t.Fatalf("unexpected response %+v", resp)
	}

	result, err := client.Swarm(ctx, []CallRequest{
		{Model: "gpt-test", Messages: []Message{User("a")}},
		{Model: "broken", Messages: []Message{User("b")}},
	})
	if err != nil {
		t.Fatalf("swarm: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 || result.Results[0].Payload.Text != "echo: a" {
		t.Fatalf("unexpected swarm result %+v", result)
	}
	if result.Results[1].Error == nil || result.Results[1].Error.Code != string(xerrors.CodeAPI) {
		t.Fatalf("failed slot should carry the API error: %+v", result.Results[1])
	}

	list, err := client.Models(ctx)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(list) != 1 || list[0].ID != "gpt-test" || list[0].Reasoning != string(llm.ReasoningOff) {
		t.Fatalf("unexpected models %+v", list)
	}

	submitted, err := client.SubmitJob(ctx, JobSubmission{ID: "sdk-job", Request: CallRequest{Model: "gpt-test", Messages: []Message{User("async")}}})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	if submitted.ID != "sdk-job" {
		t.Fatalf("unexpected job %+v", submitted)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := client.WaitJob(waitCtx, "sdk-job", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait job: %v", err)
	}
	if done.Status != "succeeded" || done.Response == nil || done.Response.Text != "echo: async" {
		t.Fatalf("unexpected finished job %+v", done)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := newAPIServer(t)
	client, _ := NewClient(srv.URL, srv.Client())

	_, err := client.Call(context.Background(), CallRequest{Model: "broken", Messages: []Message{User("x")}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != string(xerrors.CodeAPI) {
		t.Fatalf("unexpected api error %+v", apiErr)
	}

	_, err = client.GetJob(context.Background(), "missing")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestClientHandlesPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prefix/api/v1/models" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/prefix", srv.Client())
	_, err := client.Models(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "maintenance" || apiErr.Code != "" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCallRequestWireFormat(t *testing.T) {
	raw, err := json.Marshal(CallRequest{Model: "m", Messages: []Message{System("s"), User("u")}, Label: "demo"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded llm.CallRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("server side decode: %v", err)
	}
	if decoded.Model != "m" || len(decoded.Messages) != 2 || decoded.Messages[0].Role != llm.RoleSystem || decoded.Label != "demo" {
		t.Fatalf("request did not survive the wire: %+v", decoded)
	}
}

func TestClientSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHENTICATED", "message": "missing api key"})
			return
		}
		_ = json.NewEncoder(w).Encode([]Model{{ID: "m"}})
	}))
	defer srv.Close()

	anonymous, _ := NewClient(srv.URL, srv.Client())
	_, err := anonymous.Models(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected 401, got %v", err)
	}

	client, _ := NewClient(srv.URL, srv.Client(), WithAPIKey("secret"))
	models, err := client.Models(context.Background())
	if err != nil || len(models) != 1 {
		t.Fatalf("authenticated call failed: %v %+v", err, models)
	}
}
