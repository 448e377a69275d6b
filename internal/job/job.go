// Package job runs model calls asynchronously: submissions are persisted in a
// Store, their IDs travel through a Queue, and a Processor executes them
// through the dispatcher, re-enqueueing retryable failures.
package job

import (
	"encoding/json"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done 判断状态是否为终态。
func (s Status) Done() bool { return s == StatusSucceeded || s == StatusFailed }

// Job 是一次排队执行的模型调用。
type Job struct {
	ID      string          `json:"id"`
	Request llm.CallRequest `json:"request"`
	Status  Status          `json:"status"`
	// Attempts 是已领取执行的次数，MaxRetries 是首次之外允许的重试次数。
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Response   *llm.ResponsePayload `json:"response,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

// CanRetry 判断任务是否还有重试余量。
func (j *Job) CanRetry() bool { return j.Attempts <= j.MaxRetries }

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(xerrors.CodeNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(xerrors.CodeConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobCompensate xerrors.Code = "JOB_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "job compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Request = j.Request.Clone()
	if j.Response != nil {
		resp := *j.Response
		resp.ToolCalls = append([]llm.ToolCall(nil), j.Response.ToolCalls...)
		resp.Structured = append(json.RawMessage(nil), j.Response.Structured...)
		clone.Response = &resp
	}
	return &clone
}
