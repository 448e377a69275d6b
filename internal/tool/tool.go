// Package tool defines the contract for tools invoked during a conversation,
// a name-indexed library, and a worker pool that runs tool calls off the
// conversation loop.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

// Tool 是同步执行的外部能力。Invoke 返回写回对话的文本。
type Tool interface {
	Definition() llm.ToolDefinition
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// ConcurrencySafe 由可以与同批次其他工具并行执行的工具实现。
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// IsConcurrencySafe 判断工具是否声明了并发安全。
func IsConcurrencySafe(t Tool) bool {
	c, ok := t.(ConcurrencySafe)
	return ok && c.ConcurrencySafe()
}

// InvokeFunc 是工具的执行函数。
type InvokeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Func 把普通函数包装成 Tool。
type Func struct {
	def  llm.ToolDefinition
	fn   InvokeFunc
	safe bool
}

// FuncOption 调整 Func。
type FuncOption func(*Func)

// WithConcurrencySafe 声明工具可以并行执行。
func WithConcurrencySafe() FuncOption {
	return func(f *Func) { f.safe = true }
}

// NewFunc 创建函数工具。
func NewFunc(def llm.ToolDefinition, fn InvokeFunc, opts ...FuncOption) *Func {
	f := &Func{def: def, fn: fn}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Definition 返回工具定义。
func (f *Func) Definition() llm.ToolDefinition { return f.def }

// Invoke 执行函数。
func (f *Func) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	if f.fn == nil {
		return "", xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("tool %s has no implementation", f.def.Name))
	}
	return f.fn(ctx, args)
}

// ConcurrencySafe 实现 ConcurrencySafe 接口。
func (f *Func) ConcurrencySafe() bool { return f.safe }

// Library 按名称索引工具，名称在库内唯一。
type Library struct {
	tools map[string]Tool
	order []string
}

// NewLibrary 创建工具库，名称重复时返回 CONFLICT。
func NewLibrary(tools ...Tool) (*Library, error) {
	lib := &Library{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := lib.add(t); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func (l *Library) add(t Tool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool must not be nil")
	}
	name := strings.TrimSpace(t.Definition().Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool name must not be empty")
	}
	if _, dup := l.tools[name]; dup {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %s registered twice", name))
	}
	l.tools[name] = t
	l.order = append(l.order, name)
	return nil
}

// Lookup 按名称查找工具。
func (l *Library) Lookup(name string) (Tool, bool) {
	if l == nil {
		return nil, false
	}
	t, ok := l.tools[name]
	return t, ok
}

// Definitions 按注册顺序返回工具定义。
func (l *Library) Definitions() []llm.ToolDefinition {
	if l == nil {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.tools[name].Definition())
	}
	return out
}

// Len 返回工具数量。
func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.order)
}

// Result 是一次工具调用的结果，与 ToolCall 一一对应。
type Result struct {
	CallID  string
	Name    string
	Content string
	Err     error
}

// Failed 判断调用是否失败。
func (r Result) Failed() bool { return r.Err != nil }

// Message 转换为写回对话的 tool 消息。失败时内容为错误描述。
func (r Result) Message() llm.Message {
	return llm.ToolResultMessage(r.CallID, r.Name, r.Content)
}

// NotFound 返回未知工具对应的失败结果。
func NotFound(call llm.ToolCall) Result {
	msg := fmt.Sprintf("Tool '%s' not found in library.", call.Name)
	return Result{
		CallID:  call.ID,
		Name:    call.Name,
		Content: msg,
		Err:     xerrors.New(xerrors.CodeUnsupportedCapability, msg),
	}
}

func failed(call llm.ToolCall, err error) Result {
	if !xerrors.HasCode(err, xerrors.CodeToolExecution) {
		err = xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("tool %s failed", call.Name))
	}
	return Result{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("Error executing tool '%s': %v", call.Name, rootMessage(err)),
		Err:     err,
	}
}

// rootMessage 返回错误链最内层的描述，避免把错误码前缀写进对话。
func rootMessage(err error) string {
	for {
		e, ok := xerrors.From(err)
		if !ok {
			return err.Error()
		}
		cause := e.Unwrap()
		if cause == nil {
			return e.Message()
		}
		err = cause
	}
}
