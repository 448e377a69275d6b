package conversation

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"OpenLLM-Core/internal/dispatch"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/tool"
)

// CodeLimitReached 表示进程内活跃会话数已达上限。
const CodeLimitReached xerrors.Code = "CONVERSATION_LIMIT"

func init() {
	xerrors.Register(CodeLimitReached, xerrors.Attributes{
		Message:   "too many active conversations",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

const (
	DefaultIdleTTL          = time.Hour
	DefaultMaxConversations = 1000
)

type entry struct {
	conv    *Conversation
	owner   string
	touched time.Time
}

// Manager 在进程内保存会话，供 HTTP 接口按 ID 取回。
// 会话归属创建它的调用方，其他调用方按 ID 查找时得到 NOT_FOUND。
// 超过空闲时间的会话在下一次 Create 或 Get 时被清理。
type Manager struct {
	executor  dispatch.Executor
	tools     *tool.Library
	runner    *tool.Executor
	maxRounds int
	idleTTL   time.Duration
	maxItems  int
	now       func() time.Time

	mu    sync.Mutex
	items map[string]*entry
}

// ManagerOption 调整 Manager。
type ManagerOption func(*Manager)

// WithIdleTTL 设置会话空闲多久后被清理，0 表示不过期。
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.idleTTL = d
		}
	}
}

// WithMaxConversations 限制同时保存的会话数，0 表示不限制。
func WithMaxConversations(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.maxItems = n
		}
	}
}

// WithManagerClock 替换时钟，用于测试。
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建会话管理器，所有会话共享同一个工具库与工作池。
func NewManager(executor dispatch.Executor, tools *tool.Library, runner *tool.Executor, maxRounds int, opts ...ManagerOption) *Manager {
	m := &Manager{
		executor:  executor,
		tools:     tools,
		runner:    runner,
		maxRounds: maxRounds,
		idleTTL:   DefaultIdleTTL,
		maxItems:  DefaultMaxConversations,
		now:       time.Now,
		items:     make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Spec 描述新会话的参数。
type Spec struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Schema       *llm.Schema  `json:"schema,omitempty"`
	Sampling     llm.Sampling `json:"sampling,omitempty"`
	UseTools     bool         `json:"use_tools,omitempty"`
}

// Create 创建并登记归属 owner 的会话。owner 为空表示未启用认证。
func (m *Manager) Create(spec Spec, owner string) (*Conversation, error) {
	opts := []Option{
		WithSystemPrompt(spec.SystemPrompt),
		WithSchema(spec.Schema),
		WithSampling(spec.Sampling),
		WithMaxToolRounds(m.maxRounds),
	}
	if spec.UseTools {
		opts = append(opts, WithTools(m.tools), WithToolExecutor(m.runner))
	}
	conv, err := New(m.executor, spec.Model, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	if m.maxItems > 0 && len(m.items) >= m.maxItems {
		_ = conv.Close()
		return nil, xerrors.New(CodeLimitReached, "",
			xerrors.WithMetadata("limit", strconv.Itoa(m.maxItems)))
	}
	m.items[conv.ID()] = &entry{conv: conv, owner: owner, touched: now}
	return conv, nil
}

// Get 按 ID 取回 owner 的会话，并刷新其活跃时间。
func (m *Manager) Get(id, owner string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	e, ok := m.items[id]
	if !ok || e.owner != owner {
		return nil, notFound(id)
	}
	e.touched = now
	return e.conv, nil
}

// Delete 移除 owner 的会话。
func (m *Manager) Delete(id, owner string) error {
	m.mu.Lock()
	e, ok := m.items[id]
	if ok && e.owner == owner {
		delete(m.items, id)
	}
	m.mu.Unlock()
	if !ok || e.owner != owner {
		return notFound(id)
	}
	return e.conv.Close()
}

// IDs 返回排序后的会话 ID。
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len 返回当前保存的会话数。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Manager) sweepLocked(now time.Time) {
	if m.idleTTL <= 0 {
		return
	}
	for id, e := range m.items {
		if now.Sub(e.touched) > m.idleTTL {
			delete(m.items, id)
			_ = e.conv.Close()
		}
	}
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "conversation not found", xerrors.WithMetadata("conversation_id", id))
}
