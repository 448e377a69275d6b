package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "OpenLLM-Core/internal/errors"
)

const anonymousSession = "anonymous"

// fileEvent 是 usage.json 中的单条事件。
type fileEvent struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	Provider         string  `json:"provider,omitempty"`
	Strategy         string  `json:"strategy,omitempty"`
	Success          bool    `json:"success"`
	Attempts         int     `json:"attempts,omitempty"`
	ErrorCode        string  `json:"error_code,omitempty"`
	LatencyMS        int64   `json:"latency_ms"`
	Timestamp        string  `json:"timestamp"`
}

// fileSession 聚合同一会话在某个小时内的事件。
type fileSession struct {
	TaskLabel string      `json:"task_label"`
	ModelName string      `json:"model_name"`
	Events    []fileEvent `json:"events"`
}

// day -> hour -> session -> 会话
type fileTree map[string]map[string]map[string]*fileSession

// File 把记录按 日期/小时/会话 写入 JSON 文件。每次写入都整体替换文件。
type File struct {
	mu   sync.Mutex
	path string
	tree fileTree
}

// NewFile 打开或创建用量文件，已有内容会被保留。
func NewFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "usage 文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 usage 目录失败")
	}
	f := &File{path: path, tree: make(fileTree)}
	content, err := os.ReadFile(path)
	switch {
	case err == nil && len(strings.TrimSpace(string(content))) > 0:
		if err := json.Unmarshal(content, &f.tree); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析已有 usage 文件失败")
		}
	case err != nil && !os.IsNotExist(err):
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 usage 文件失败")
	}
	return f, nil
}

// Path 返回文件路径。
func (f *File) Path() string { return f.path }

// LogTurn 追加事件并落盘。
func (f *File) LogTurn(_ context.Context, record Record) error {
	record = record.normalize()
	ts := record.Timestamp.UTC()
	day := ts.Format("2006-01-02")
	hour := ts.Format("15:00")
	session := record.SessionID
	if session == "" {
		session = anonymousSession
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	hours := f.tree[day]
	if hours == nil {
		hours = make(map[string]map[string]*fileSession)
		f.tree[day] = hours
	}
	sessions := hours[hour]
	if sessions == nil {
		sessions = make(map[string]*fileSession)
		hours[hour] = sessions
	}
	entry := sessions[session]
	if entry == nil {
		entry = &fileSession{TaskLabel: record.Label, ModelName: record.Model}
		sessions[session] = entry
	}
	entry.Events = append(entry.Events, fileEvent{
		PromptTokens:     record.InputTokens,
		CompletionTokens: record.OutputTokens,
		TotalTokens:      record.TotalTokens(),
		Cost:             record.Cost,
		Provider:         record.Provider,
		Strategy:         record.Strategy,
		Success:          record.Success,
		Attempts:         record.Attempts,
		ErrorCode:        record.ErrorCode,
		LatencyMS:        record.Latency.Milliseconds(),
		Timestamp:        ts.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	return f.flush()
}

// flush 先写临时文件再 rename，避免读者看到半截内容。
func (f *File) flush() error {
	encoded, err := json.MarshalIndent(f.tree, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化 usage 失败")
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".usage-*.json")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 usage 失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 usage 失败")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换 usage 文件失败")
	}
	return nil
}
