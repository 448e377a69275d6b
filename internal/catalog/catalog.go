// Package catalog loads the static provider and model catalog. The catalog is
// read once at startup and is immutable afterwards.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

const envPrefix = "env:"

// File 对应 models.yaml 的结构。
type File struct {
	Providers map[string]ProviderDefinition `yaml:"providers"`
}

// ProviderDefinition 描述一个服务商及其模型。
type ProviderDefinition struct {
	Kind         string                     `yaml:"kind"`
	BaseURL      string                     `yaml:"base_url"`
	APIKey       string                     `yaml:"api_key"`
	Headers      map[string]string          `yaml:"headers"`
	RateLimit    RateLimit                  `yaml:"rate_limit"`
	Capabilities *CapabilityOverride        `yaml:"capabilities"`
	Adapter      AdapterOptions             `yaml:"adapter"`
	Models       map[string]ModelDefinition `yaml:"models"`
}

// AdapterOptions 覆盖适配器内置的模型标签表，未设置时使用内置值。
type AdapterOptions struct {
	ToolModels     []string `yaml:"tool_models"`
	ReasonerModels []string `yaml:"reasoner_models"`
	ThinkModels    []string `yaml:"think_models"`
	GraniteModels  []string `yaml:"granite_models"`
}

// RateLimit 描述对服务商的请求速率限制，RPS 为 0 表示不限制。
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// CapabilityOverride 可以关闭或打开适配器默认的原生能力。
type CapabilityOverride struct {
	Tools  *bool `yaml:"tools"`
	Schema *bool `yaml:"schema"`
}

// Apply 返回覆盖后的能力。
func (o *CapabilityOverride) Apply(caps llm.Capabilities) llm.Capabilities {
	if o == nil {
		return caps
	}
	if o.Tools != nil {
		caps.Tools = *o.Tools
	}
	if o.Schema != nil {
		caps.Schema = *o.Schema
	}
	return caps
}

// ModelDefinition 描述单个模型。
type ModelDefinition struct {
	Tag          string              `yaml:"tag"`
	TokenWindow  int                 `yaml:"token_window"`
	InputPrice   float64             `yaml:"input_price"`
	OutputPrice  float64             `yaml:"output_price"`
	Reasoning    string              `yaml:"reasoning"`
	Capabilities *CapabilityOverride `yaml:"capabilities"`
}

// Provider 是加载后的服务商条目。
type Provider struct {
	Name         string
	Kind         string
	Endpoint     llm.Endpoint
	RateLimit    RateLimit
	Capabilities *CapabilityOverride
	Adapter      AdapterOptions
}

// Model 是加载后的模型条目。
type Model struct {
	Descriptor   llm.ModelDescriptor
	Capabilities *CapabilityOverride
}

// Catalog 提供按模型 ID 的只读查询。
type Catalog struct {
	providers map[string]Provider
	models    map[string]Model
}

// Load 读取并解析目录文件。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型目录路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取模型目录失败")
	}
	return Parse(content)
}

// Parse 解析 YAML 内容并校验。
func Parse(content []byte) (*Catalog, error) {
	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析模型目录失败")
	}
	return New(file)
}

// New 从已解码的结构构建目录。
func New(file File) (*Catalog, error) {
	c := &Catalog{
		providers: make(map[string]Provider, len(file.Providers)),
		models:    make(map[string]Model),
	}
	for name, def := range file.Providers {
		kind := strings.ToLower(strings.TrimSpace(def.Kind))
		if kind == "" {
			kind = name
		}
		c.providers[name] = Provider{
			Name: name,
			Kind: kind,
			Endpoint: llm.Endpoint{
				BaseURL: strings.TrimRight(strings.TrimSpace(def.BaseURL), "/"),
				APIKey:  resolveSecret(def.APIKey),
				Headers: def.Headers,
			},
			RateLimit:    def.RateLimit,
			Capabilities: def.Capabilities,
			Adapter:      def.Adapter,
		}
		for id, m := range def.Models {
			if _, dup := c.models[id]; dup {
				return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("模型 %s 在多个服务商中重复定义", id))
			}
			reasoning := llm.ReasoningMode(strings.ToLower(strings.TrimSpace(m.Reasoning)))
			if !reasoning.Valid() {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("模型 %s 的 reasoning 取值非法: %s", id, m.Reasoning))
			}
			if reasoning == "" {
				reasoning = llm.ReasoningOff
			}
			tag := strings.TrimSpace(m.Tag)
			if tag == "" {
				tag = id
			}
			if m.InputPrice < 0 || m.OutputPrice < 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("模型 %s 的价格不能为负数", id))
			}
			c.models[id] = Model{
				Descriptor: llm.ModelDescriptor{
					ID:          id,
					Provider:    name,
					Tag:         tag,
					TokenWindow: m.TokenWindow,
					InputPrice:  m.InputPrice,
					OutputPrice: m.OutputPrice,
					Reasoning:   reasoning,
				},
				Capabilities: m.Capabilities,
			}
		}
	}
	if len(c.models) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型目录中没有任何模型")
	}
	return c, nil
}

func resolveSecret(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, envPrefix) {
		return os.Getenv(strings.TrimPrefix(value, envPrefix))
	}
	return value
}

// Model 按 ID 查询模型，也接受 "provider/id" 形式。
func (c *Catalog) Model(id string) (Model, error) {
	if c == nil {
		return Model{}, xerrors.New(xerrors.CodeInitializationFailure, "模型目录未初始化")
	}
	if m, ok := c.models[id]; ok {
		return m, nil
	}
	if provider, rest, ok := strings.Cut(id, "/"); ok {
		if m, ok := c.models[rest]; ok && m.Descriptor.Provider == provider {
			return m, nil
		}
	}
	return Model{}, xerrors.Unsupported("unknown model %q", id)
}

// Provider 按名称查询服务商。
func (c *Catalog) Provider(name string) (Provider, bool) {
	if c == nil {
		return Provider{}, false
	}
	p, ok := c.providers[name]
	return p, ok
}

// Models 返回按 ID 排序的全部模型描述。
func (c *Catalog) Models() []llm.ModelDescriptor {
	if c == nil {
		return nil
	}
	out := make([]llm.ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers 返回排序后的服务商名称。
func (c *Catalog) Providers() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
