package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/observability/metrics"
)

type middleware func(http.Handler) http.Handler

// chain 按给定顺序由外到内套用中间件。
func chain(mws ...middleware) middleware {
	return func(final http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			final = mws[i](final)
		}
		return final
	}
}

// statusRecorder 记录写出的状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求指标。路由名取自 ServeMux 匹配到的模式，避免路径参数造成高基数。
func instrument(log *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			metrics.ObserveHTTPRequest(route, r.Method, rec.status, elapsed)
			log.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// CodeRateLimited 表示请求被 API 限流拒绝。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "too many requests",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

// limit 使用全局令牌桶限流，limiter 为 nil 时直接放行。
func limit(limiter *rate.Limiter) middleware {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, xerrors.New(CodeRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverPanics 捕获 handler 中的 panic 并返回 500。
func recoverPanics(log *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
					)
					writeError(w, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("internal error: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
