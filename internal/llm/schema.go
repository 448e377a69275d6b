package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaItems 描述数组元素的类型。
type SchemaItems struct {
	Type string `json:"type" yaml:"type"`
}

// SchemaProperty 是结构化输出中的一个字段。
type SchemaProperty struct {
	Name        string       `json:"name" yaml:"name"`
	Type        string       `json:"type" yaml:"type"`
	Description string       `json:"description" yaml:"description"`
	Items       *SchemaItems `json:"items,omitempty" yaml:"items,omitempty"`
	// Enum 限定字符串字段的取值。
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Schema 是简化的结构化输出描述，所有字段均为必填。
type Schema struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description" yaml:"description"`
	Properties  []SchemaProperty `json:"properties" yaml:"properties"`
}

// Validate 检查 schema 是否可以交给服务商。
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Properties) == 0 {
		return fmt.Errorf("schema %s has no properties", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Properties))
	for _, p := range s.Properties {
		if p.Name == "" {
			return fmt.Errorf("schema %s has a property without name", s.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("schema %s has duplicate property %s", s.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Type == "array" && p.Items == nil {
			return fmt.Errorf("schema %s: array property %s requires items", s.Name, p.Name)
		}
	}
	return nil
}

// JSONSchema 转换为标准 JSON Schema 对象。
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	required := make([]string, 0, len(s.Properties))
	for _, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		required = append(required, p.Name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// JSONSchemaRaw 返回序列化后的 JSON Schema。
func (s Schema) JSONSchemaRaw() json.RawMessage {
	raw, _ := json.Marshal(s.JSONSchema())
	return raw
}

// AsTool 把 schema 包装成一个强制调用的工具定义。
func (s Schema) AsTool() ToolDefinition {
	return ToolDefinition{Name: s.Name, Description: s.Description, Parameters: s.JSONSchemaRaw()}
}

func (s Schema) clone() Schema {
	out := s
	if s.Properties != nil {
		out.Properties = make([]SchemaProperty, len(s.Properties))
		for i, p := range s.Properties {
			if p.Items != nil {
				items := *p.Items
				p.Items = &items
			}
			if p.Enum != nil {
				p.Enum = append([]string(nil), p.Enum...)
			}
			out.Properties[i] = p
		}
	}
	return out
}
