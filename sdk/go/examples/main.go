package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenLLM-Core/sdk/go/llmcore"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]llmcore.Model{{ID: "gpt-4o-mini", Provider: "openai", Tag: "gpt-4o-mini", Reasoning: "off"}})
	})
	mux.HandleFunc("POST /api/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		var req llmcore.CallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(llmcore.Response{
			Text:     "Go 是一门为并发与工程效率设计的编程语言。",
			Model:    req.Model,
			Provider: "openai",
			Usage:    llmcore.Usage{InputTokens: 12, OutputTokens: 18},
		})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(llmcore.Job{ID: "job-demo", Status: "pending"})
	})
	mux.HandleFunc("GET /api/v1/jobs/job-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(llmcore.Job{
			ID:       "job-demo",
			Status:   "succeeded",
			Response: &llmcore.Response{Text: "done", Model: "gpt-4o-mini"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := llmcore.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	models, err := client.Models(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("available models: %d (first=%s)\n", len(models), models[0].ID)

	resp, err := client.Call(ctx, llmcore.CallRequest{
		Model:    models[0].ID,
		Messages: []llmcore.Message{llmcore.System("回答保持一句话"), llmcore.User("介绍一下 Go")},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("reply: %s (%d tokens)\n", resp.Text, resp.Usage.InputTokens+resp.Usage.OutputTokens)

	job, err := client.SubmitJob(ctx, llmcore.JobSubmission{Request: llmcore.CallRequest{Model: models[0].ID, Messages: []llmcore.Message{llmcore.User("async")}}})
	if err != nil {
		panic(err)
	}
	done, err := client.WaitJob(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with status=%s text=%s\n", done.ID, done.Status, done.Response.Text)
}
