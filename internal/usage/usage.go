// Package usage records one entry per logical model call. Sinks are append-only
// and safe for concurrent use; several sinks can be combined with Fanout.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenLLM-Core/pkg/logger"
)

// Record 是一次逻辑调用的用量与结果，不包含提示词或回复内容。
type Record struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Label        string        `json:"label,omitempty"`
	Strategy     string        `json:"strategy,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Success      bool          `json:"success"`
	Attempts     int           `json:"attempts"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TotalTokens 返回输入与输出 token 之和。
func (r Record) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// normalize 补全 ID 与时间戳。
func (r Record) normalize() Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

// Sink 接收用量记录。实现必须可以被并发调用。
type Sink interface {
	LogTurn(ctx context.Context, record Record) error
}

// Closer 由持有外部连接的 sink 实现。
type Closer interface {
	Close() error
}

// Fanout 把记录写入多个 sink，任一失败不影响其余 sink。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建组合 sink，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

// LogTurn 依次写入所有 sink 并合并错误。
func (f *Fanout) LogTurn(ctx context.Context, record Record) error {
	if f == nil {
		return nil
	}
	record = record.normalize()
	var errs []error
	for _, s := range f.sinks {
		if err := s.LogTurn(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭持有连接的 sink。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Memory 把记录保存在内存中，主要用于测试与 API 查询。
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemory 创建内存 sink。
func NewMemory() *Memory { return &Memory{} }

// LogTurn 追加记录。
func (m *Memory) LogTurn(_ context.Context, record Record) error {
	record = record.normalize()
	m.mu.Lock()
	m.records = append(m.records, record)
	m.mu.Unlock()
	return nil
}

// Records 返回记录副本。
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

// Len 返回记录数量。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Summary 是按模型聚合的用量。
type Summary struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Summarize 按模型聚合内存中的记录。
func (m *Memory) Summarize() map[string]Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Summary)
	for _, r := range m.records {
		s := out[r.Model]
		s.Model = r.Model
		s.Calls++
		if !r.Success {
			s.Failures++
		}
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.Cost += r.Cost
		out[r.Model] = s
	}
	return out
}

// Logger 把记录写入审计日志。
type Logger struct {
	log *slog.Logger
}

// NewLogger 创建日志 sink，log 为 nil 时使用审计日志。
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = logger.Audit()
	}
	return &Logger{log: log}
}

// LogTurn 输出一条结构化日志。
func (l *Logger) LogTurn(ctx context.Context, record Record) error {
	record = record.normalize()
	level := slog.LevelInfo
	if !record.Success {
		level = slog.LevelWarn
	}
	l.log.Log(ctx, level, "llm usage",
		slog.String("id", record.ID),
		slog.String("session_id", record.SessionID),
		slog.String("provider", record.Provider),
		slog.String("model", record.Model),
		slog.String("label", record.Label),
		slog.String("strategy", record.Strategy),
		slog.Int("input_tokens", record.InputTokens),
		slog.Int("output_tokens", record.OutputTokens),
		slog.Float64("cost", record.Cost),
		slog.Bool("success", record.Success),
		slog.Int("attempts", record.Attempts),
		slog.String("error_code", record.ErrorCode),
		slog.Duration("latency", record.Latency),
	)
	return nil
}
