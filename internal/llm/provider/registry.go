// Package provider binds catalog entries to concrete wire adapters. The set of
// provider kinds is closed; bindings are resolved once at startup.
package provider

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"OpenLLM-Core/internal/catalog"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/llm/anthropic"
	"OpenLLM-Core/internal/llm/gemini"
	"OpenLLM-Core/internal/llm/generic"
	"OpenLLM-Core/internal/llm/ollama"
	"OpenLLM-Core/internal/llm/openai"
)

// Binding 是模型与其适配器、端点、限流器的组合，创建后只读。
type Binding struct {
	Descriptor   llm.ModelDescriptor
	Endpoint     llm.Endpoint
	Adapter      llm.Adapter
	Capabilities llm.Capabilities
	// Limiter 为 nil 表示不限流，同一服务商下的模型共享。
	Limiter *rate.Limiter
}

// Registry 管理按模型 ID 索引的绑定。
type Registry struct {
	bindings  map[string]*Binding
	providers map[string]llm.Adapter
	catalog   *catalog.Catalog
}

// NewRegistry 为目录中的每个服务商实例化适配器。
func NewRegistry(cat *catalog.Catalog) (*Registry, error) {
	if cat == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "模型目录未初始化")
	}
	r := &Registry{
		bindings:  make(map[string]*Binding),
		providers: make(map[string]llm.Adapter),
		catalog:   cat,
	}
	limiters := make(map[string]*rate.Limiter)
	for _, name := range cat.Providers() {
		p, _ := cat.Provider(name)
		adapter, err := NewAdapter(p)
		if err != nil {
			return nil, err
		}
		r.providers[name] = adapter
		if p.RateLimit.RPS > 0 {
			burst := p.RateLimit.Burst
			if burst <= 0 {
				burst = 1
			}
			limiters[name] = rate.NewLimiter(rate.Limit(p.RateLimit.RPS), burst)
		}
	}

	for _, desc := range cat.Models() {
		model, err := cat.Model(desc.ID)
		if err != nil {
			return nil, err
		}
		p, _ := cat.Provider(desc.Provider)
		adapter := r.providers[desc.Provider]
		caps := llm.CapabilitiesOf(adapter, desc.Tag)
		caps = p.Capabilities.Apply(caps)
		caps = model.Capabilities.Apply(caps)
		r.bindings[desc.ID] = &Binding{
			Descriptor:   desc,
			Endpoint:     p.Endpoint,
			Adapter:      adapter,
			Capabilities: caps,
			Limiter:      limiters[desc.Provider],
		}
	}
	return r, nil
}

// NewAdapter 根据服务商类型构造适配器。
func NewAdapter(p catalog.Provider) (llm.Adapter, error) {
	opts := p.Adapter
	switch strings.ToLower(p.Kind) {
	case "openai":
		return openai.NewOpenAI(openaiOptions(opts)...), nil
	case "grok", "xai":
		return openai.NewGrok(openaiOptions(opts)...), nil
	case "openrouter":
		return openai.NewOpenRouter(openaiOptions(opts)...), nil
	case "mercury", "inception":
		return openai.NewMercury(openaiOptions(opts)...), nil
	case "anthropic":
		return anthropic.New(), nil
	case "gemini", "google":
		return gemini.New(), nil
	case "ollama":
		var o []ollama.Option
		if opts.ToolModels != nil {
			o = append(o, ollama.WithToolModels(opts.ToolModels...))
		}
		if opts.ThinkModels != nil {
			o = append(o, ollama.WithThinkModels(opts.ThinkModels...))
		}
		if opts.GraniteModels != nil {
			o = append(o, ollama.WithGraniteModels(opts.GraniteModels...))
		}
		return ollama.New(o...), nil
	case "unsupported", "generic":
		return generic.New(p.Name), nil
	default:
		return nil, xerrors.Unsupported("服务商 %s 使用了不支持的类型 %s", p.Name, p.Kind)
	}
}

func openaiOptions(opts catalog.AdapterOptions) []openai.Option {
	var out []openai.Option
	if opts.ToolModels != nil {
		out = append(out, openai.WithToolModels(opts.ToolModels...))
	}
	if opts.ReasonerModels != nil {
		out = append(out, openai.WithReasonerModels(opts.ReasonerModels...))
	}
	return out
}

// Resolve 返回模型对应的绑定，未知模型返回 UnsupportedCapability。
func (r *Registry) Resolve(model string) (*Binding, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的服务商注册表")
	}
	if b, ok := r.bindings[model]; ok {
		return b, nil
	}
	m, err := r.catalog.Model(model)
	if err != nil {
		return nil, err
	}
	b, ok := r.bindings[m.Descriptor.ID]
	if !ok {
		return nil, xerrors.Unsupported("unknown model %q", model)
	}
	return b, nil
}

// Models 返回按 ID 排序的绑定列表。
func (r *Registry) Models() []*Binding {
	if r == nil {
		return nil
	}
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String 便于日志输出。
func (b *Binding) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s(%s)", b.Descriptor.Provider, b.Descriptor.ID, b.Descriptor.Tag)
}
