package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenLLM-Core/internal/llm"
)

func writeFixture(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	models := fmt.Sprintf(`
providers:
  openai:
    kind: openai
    base_url: %s
    models:
      gpt-test: {token_window: 8192, input_price: 1, output_price: 2}
      gpt-other: {tag: gpt-other-2024}
`, baseURL)
	if err := os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(models), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg := `
logging:
  level: error
catalog:
  path: models.yaml
retry:
  max_attempts: 1
usage:
  sinks: [memory]
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Model == "gpt-other-2024" {
			http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
			return
		}
		last := body.Messages[len(body.Messages)-1].Content
		reply, _ := json.Marshal("echo: " + last)
		_, _ = io.WriteString(w, fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%s},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`, reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, callModel, callSystem, callLabel, callJSON = "", "", "", "cli", false
	swarmModels, swarmLimit, modelsJSON = nil, 0, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestModelsCommand(t *testing.T) {
	path := writeFixture(t, "http://localhost:1")

	out, err := execute(t, "models", "--config", path)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "gpt-test") || !strings.Contains(out, "gpt-other-2024") || !strings.Contains(out, "REASONING") {
		t.Fatalf("unexpected table:\n%s", out)
	}

	out, err = execute(t, "models", "--config", path, "--json")
	if err != nil {
		t.Fatalf("models --json: %v", err)
	}
	var models []llm.ModelDescriptor
	if err := json.Unmarshal([]byte(out), &models); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %+v", models)
	}
}

func TestCallCommand(t *testing.T) {
	path := writeFixture(t, fakeOpenAI(t).URL)

	out, err := execute(t, "call", "--config", path, "--model", "gpt-test", "hello", "world")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out, "echo: hello world") || !strings.Contains(out, "10 in / 5 out") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	out, err = execute(t, "call", "--config", path, "--model", "gpt-test", "--json", "hi")
	if err != nil {
		t.Fatalf("call --json: %v", err)
	}
	var payload llm.ResponsePayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Text != "echo: hi" || payload.Model != "gpt-test" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCallCommandErrors(t *testing.T) {
	path := writeFixture(t, fakeOpenAI(t).URL)

	if _, err := execute(t, "call", "--config", path, "hi"); err == nil {
		t.Fatalf("missing --model should fail")
	}
	if _, err := execute(t, "call", "--config", path, "--model", "gpt-other", "hi"); err == nil {
		t.Fatalf("provider 400 should surface as an error")
	}
	if _, err := execute(t, "call", "--config", path, "--model", "nope", "hi"); err == nil {
		t.Fatalf("unknown model should fail")
	}
}

func TestSwarmCommand(t *testing.T) {
	path := writeFixture(t, fakeOpenAI(t).URL)

	out, err := execute(t, "swarm", "--config", path, "--model", "gpt-test", "--model", "gpt-other", "ping")
	if err != nil {
		t.Fatalf("swarm: %v", err)
	}
	first := strings.Index(out, "== gpt-test")
	second := strings.Index(out, "== gpt-other")
	if first < 0 || second < first {
		t.Fatalf("results should follow request order:\n%s", out)
	}
	if !strings.Contains(out, "echo: ping") || !strings.Contains(out, "error:") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "swarm", "--config", path, "--model", "gpt-other", "ping"); err == nil {
		t.Fatalf("all failed swarm should return an error")
	}
}
