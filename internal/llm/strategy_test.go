package llm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSelectStrategyTable(t *testing.T) {
	cases := []struct {
		name      string
		caps      Capabilities
		hasTools  bool
		hasSchema bool
		want      Strategy
	}{
		{"plain request on bare provider", Capabilities{}, false, false, NativeToolCalling},
		{"tools with native tools", Capabilities{Tools: true}, true, false, NativeToolCalling},
		{"schema with native schema", Capabilities{Schema: true}, false, true, NativeSchema},
		{"tools without native tools but schema support", Capabilities{Tools: false, Schema: true}, true, false, PromptFallback},
		{"schema without native schema", Capabilities{Tools: true}, false, true, PromptFallback},
		{"tools take precedence over schema", Capabilities{Tools: true, Schema: true}, true, true, NativeToolCalling},
		{"tools and schema on schema-only provider", Capabilities{Schema: true}, true, true, NativeSchema},
	}
	for _, tc := range cases {
		if got := SelectStrategy(tc.caps, tc.hasTools, tc.hasSchema); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func genCapabilities() gopter.Gen {
	return gopter.CombineGens(gen.Bool(), gen.Bool()).Map(func(values []interface{}) Capabilities {
		return Capabilities{Tools: values[0].(bool), Schema: values[1].(bool)}
	})
}

func TestSelectStrategyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("selection is deterministic for identical inputs", prop.ForAll(
		func(caps Capabilities, hasTools, hasSchema bool) bool {
			first := SelectStrategy(caps, hasTools, hasSchema)
			for i := 0; i < 5; i++ {
				if SelectStrategy(caps, hasTools, hasSchema) != first {
					return false
				}
			}
			return true
		},
		genCapabilities(), gen.Bool(), gen.Bool(),
	))

	properties.Property("prompt fallback only when a requested feature is not native", prop.ForAll(
		func(caps Capabilities, hasTools, hasSchema bool) bool {
			got := SelectStrategy(caps, hasTools, hasSchema)
			if got != PromptFallback {
				return true
			}
			return (hasTools && !caps.Tools) || (hasSchema && !caps.Schema)
		},
		genCapabilities(), gen.Bool(), gen.Bool(),
	))

	properties.Property("native schema is never chosen without schema support", prop.ForAll(
		func(caps Capabilities, hasTools, hasSchema bool) bool {
			got := SelectStrategy(caps, hasTools, hasSchema)
			return got != NativeSchema || (hasSchema && caps.Schema)
		},
		genCapabilities(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestExtractReasoning(t *testing.T) {
	reasoning, answer := ExtractReasoning("<THINK>\nfirst step\n</think>The answer is 4.<think>check</think>")
	if reasoning != "first step\ncheck" {
		t.Fatalf("unexpected reasoning %q", reasoning)
	}
	if answer != "The answer is 4." {
		t.Fatalf("unexpected answer %q", answer)
	}

	reasoning, answer = ExtractReasoning("  plain  ")
	if reasoning != "" || answer != "plain" {
		t.Fatalf("plain text should pass through, got %q / %q", reasoning, answer)
	}
}

func TestNormalizeArguments(t *testing.T) {
	cases := map[string]string{
		`{"city":"Paris"}`:       `{"city":"Paris"}`,
		`"{\"city\":\"Paris\"}"`: `{"city":"Paris"}`,
		`[1,2]`:                  `{}`,
		`"not json"`:             `{}`,
		``:                       `{}`,
		`{broken`:                `{}`,
	}
	for in, want := range cases {
		if got := string(NormalizeArguments([]byte(in))); got != want {
			t.Fatalf("NormalizeArguments(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCallRequestCloneIsDeep(t *testing.T) {
	temp := 0.3
	req := CallRequest{
		Model:    "m",
		Messages: []Message{AssistantMessage("", ToolCall{ID: "1", Name: "clock", Arguments: []byte(`{}`)})},
		Schema:   &Schema{Name: "s", Properties: []SchemaProperty{{Name: "a", Type: "string"}}},
		Sampling: Sampling{Temperature: &temp},
	}
	clone := req.Clone()
	req.Messages[0].ToolCalls[0].Name = "changed"
	req.Schema.Properties[0].Name = "changed"
	*req.Sampling.Temperature = 0.9

	if clone.Messages[0].ToolCalls[0].Name != "clock" {
		t.Fatalf("tool calls were shared")
	}
	if clone.Schema.Properties[0].Name != "a" {
		t.Fatalf("schema was shared")
	}
	if clone.Sampling.TemperatureOr(0) != 0.3 {
		t.Fatalf("temperature was shared")
	}
}

func TestModelDescriptorCost(t *testing.T) {
	d := ModelDescriptor{InputPrice: 2, OutputPrice: 10}
	got := d.Cost(Usage{InputTokens: 500_000, OutputTokens: 100_000})
	if got < 1.999 || got > 2.001 {
		t.Fatalf("expected cost 2.0, got %v", got)
	}
	if !(ModelDescriptor{Reasoning: ReasoningToggle}).ReasoningEnabled(Sampling{Thinking: true}) {
		t.Fatalf("toggle should follow sampling")
	}
	if (ModelDescriptor{Reasoning: ReasoningToggle}).ReasoningEnabled(Sampling{}) {
		t.Fatalf("toggle off by default")
	}
}

func TestSchemaJSONSchema(t *testing.T) {
	s := Schema{Name: "weather", Properties: []SchemaProperty{
		{Name: "city", Type: "string"},
		{Name: "days", Type: "array", Items: &SchemaItems{Type: "integer"}},
	}}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	js := s.JSONSchema()
	required := js["required"].([]string)
	if len(required) != 2 || required[0] != "city" {
		t.Fatalf("unexpected required list %v", required)
	}
	if err := (Schema{Name: "x", Properties: []SchemaProperty{{Name: "a", Type: "array"}}}).Validate(); err == nil {
		t.Fatalf("array without items should fail validation")
	}
}
