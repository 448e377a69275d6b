package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type callKey struct {
	provider string
	model    string
	strategy string
	outcome  string
}

type modelKey struct {
	provider string
	model    string
}

type tokenTotals struct {
	input  uint64
	output uint64
	cost   float64
}

type callCollector struct {
	mu       sync.Mutex
	calls    map[callKey]uint64
	attempts map[modelKey]uint64
	tokens   map[modelKey]*tokenTotals
	latency  map[modelKey]*histogram
}

func newCallCollector() *callCollector {
	return &callCollector{
		calls:    make(map[callKey]uint64),
		attempts: make(map[modelKey]uint64),
		tokens:   make(map[modelKey]*tokenTotals),
		latency:  make(map[modelKey]*histogram),
	}
}

var callMetrics = newCallCollector()

// Call 描述一次已完成的逻辑调用。
type Call struct {
	Provider     string
	Model        string
	Strategy     string
	Success      bool
	Attempts     int
	InputTokens  int
	OutputTokens int
	Cost         float64
	Latency      time.Duration
}

// ObserveCall records the outcome of one logical model call.
func ObserveCall(c Call) {
	callMetrics.observe(c)
}

func (c *callCollector) observe(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := "success"
	if !call.Success {
		outcome = "failure"
	}
	c.calls[callKey{provider: call.Provider, model: call.Model, strategy: call.Strategy, outcome: outcome}]++

	key := modelKey{provider: call.Provider, model: call.Model}
	if call.Attempts > 0 {
		c.attempts[key] += uint64(call.Attempts)
	}
	totals := c.tokens[key]
	if totals == nil {
		totals = &tokenTotals{}
		c.tokens[key] = totals
	}
	if call.InputTokens > 0 {
		totals.input += uint64(call.InputTokens)
	}
	if call.OutputTokens > 0 {
		totals.output += uint64(call.OutputTokens)
	}
	totals.cost += call.Cost

	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(call.Latency.Seconds())
}

func (c *callCollector) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]callKey, 0, len(c.calls))
	for key := range c.calls {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, z := keys[i], keys[j]
		if a.provider != z.provider {
			return a.provider < z.provider
		}
		if a.model != z.model {
			return a.model < z.model
		}
		if a.strategy != z.strategy {
			return a.strategy < z.strategy
		}
		return a.outcome < z.outcome
	})
	b.WriteString("# HELP llmcore_calls_total Logical model calls by outcome.\n")
	b.WriteString("# TYPE llmcore_calls_total counter\n")
	for _, key := range keys {
		fmt.Fprintf(b, "llmcore_calls_total{provider=\"%s\",model=\"%s\",strategy=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.provider), escape(key.model), escape(key.strategy), escape(key.outcome), c.calls[key])
	}

	models := make([]modelKey, 0, len(c.tokens))
	for key := range c.tokens {
		models = append(models, key)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].provider == models[j].provider {
			return models[i].model < models[j].model
		}
		return models[i].provider < models[j].provider
	})

	b.WriteString("# HELP llmcore_call_attempts_total HTTP attempts made by logical calls.\n")
	b.WriteString("# TYPE llmcore_call_attempts_total counter\n")
	for _, key := range models {
		fmt.Fprintf(b, "llmcore_call_attempts_total{%s} %d\n", modelLabels(key), c.attempts[key])
	}

	b.WriteString("# HELP llmcore_tokens_total Tokens billed by direction.\n")
	b.WriteString("# TYPE llmcore_tokens_total counter\n")
	for _, key := range models {
		t := c.tokens[key]
		fmt.Fprintf(b, "llmcore_tokens_total{%s,direction=\"input\"} %d\n", modelLabels(key), t.input)
		fmt.Fprintf(b, "llmcore_tokens_total{%s,direction=\"output\"} %d\n", modelLabels(key), t.output)
	}

	b.WriteString("# HELP llmcore_cost_total Accumulated cost in catalog currency.\n")
	b.WriteString("# TYPE llmcore_cost_total counter\n")
	for _, key := range models {
		fmt.Fprintf(b, "llmcore_cost_total{%s} %s\n", modelLabels(key), formatFloat(c.tokens[key].cost))
	}

	b.WriteString("# HELP llmcore_call_duration_seconds Logical call duration including retries.\n")
	b.WriteString("# TYPE llmcore_call_duration_seconds histogram\n")
	for _, key := range models {
		if hist := c.latency[key]; hist != nil {
			writeHistogram(b, "llmcore_call_duration_seconds", modelLabels(key), hist.snapshot())
		}
	}
}

func modelLabels(key modelKey) string {
	return fmt.Sprintf("provider=\"%s\",model=\"%s\"", escape(key.provider), escape(key.model))
}
