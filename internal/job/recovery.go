package job

import (
	"context"
	"log/slog"

	"OpenLLM-Core/internal/dispatch"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/pkg/logger"
)

// RecoveryHandler 定义了在任务最终失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的响应将作为降级结果写入任务；返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*llm.ResponsePayload, error)
}

// FallbackModel 使用备用模型重新执行同一请求。
type FallbackModel struct {
	Executor dispatch.Executor
	Model    string
}

// Recover 实现 RecoveryHandler。请求本身已使用备用模型时不再补偿。
func (f *FallbackModel) Recover(ctx context.Context, job *Job, cause error) (*llm.ResponsePayload, error) {
	if f == nil || f.Executor == nil || f.Model == "" || job.Request.Model == f.Model {
		return nil, nil
	}
	req := job.Request.Clone()
	req.Model = f.Model
	if req.SessionID == "" {
		req.SessionID = job.ID
	}
	logger.Named("job").Info("使用备用模型补偿任务",
		slog.String("job_id", job.ID),
		slog.String("model", job.Request.Model),
		slog.String("fallback_model", f.Model),
		slog.Any("cause", cause),
	)
	return f.Executor.Execute(ctx, req)
}
