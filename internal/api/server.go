package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"OpenLLM-Core/internal/auth"
	"OpenLLM-Core/internal/conversation"
	"OpenLLM-Core/internal/dispatch"
	"OpenLLM-Core/internal/job"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/swarm"
	"OpenLLM-Core/pkg/logger"
)

// ModelLister 提供可调用的模型列表，*catalog.Catalog 满足该接口。
type ModelLister interface {
	Models() []llm.ModelDescriptor
}

// Dependencies 汇总各接口依赖的服务，为 nil 的服务对应接口返回 503。
type Dependencies struct {
	Executor      dispatch.Executor
	Models        ModelLister
	Swarm         *swarm.Executor
	Conversations *conversation.Manager
	Jobs          *job.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Dependencies
	limiter         *rate.Limiter
	auth            *auth.Service
	shutdownTimeout time.Duration
	maxBodyBytes    int64
	log             *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithRateLimit 为全部 API 请求设置全局令牌桶，rps <= 0 表示不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithAuth 为除 /healthz 外的路由启用 API 密钥认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时长。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		shutdownTimeout: 5 * time.Second,
		maxBodyBytes:    4 << 20,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由与中间件的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.route(mux, "GET /api/v1/models", s.handleModels, auth.PermissionRead)
	s.route(mux, "POST /api/v1/calls", s.handleCall, auth.PermissionCall)
	s.route(mux, "POST /api/v1/swarm", s.handleSwarm, auth.PermissionCall)
	s.route(mux, "POST /api/v1/conversations", s.handleCreateConversation, auth.PermissionCall)
	s.route(mux, "GET /api/v1/conversations/{id}", s.handleGetConversation, auth.PermissionRead)
	s.route(mux, "DELETE /api/v1/conversations/{id}", s.handleDeleteConversation, auth.PermissionCall)
	s.route(mux, "POST /api/v1/conversations/{id}/messages", s.handleSendMessage, auth.PermissionCall)
	s.route(mux, "POST /api/v1/jobs", s.handleSubmitJob, auth.PermissionJobs)
	s.route(mux, "GET /api/v1/jobs", s.handleListJobs, auth.PermissionRead)
	s.route(mux, "GET /api/v1/jobs/{id}", s.handleJobDetail, auth.PermissionRead)

	return chain(
		recoverPanics(s.log),
		instrument(s.log),
		limit(s.limiter),
	)(mux)
}

// route 注册受保护的路由。认证放在路由之后，指标仍能取到匹配的模式。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc, perms ...string) {
	if !s.auth.Enabled() {
		mux.HandleFunc(pattern, handler)
		return
	}
	mux.Handle(pattern, s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          pattern,
		OnError:             writeError,
	})(handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
