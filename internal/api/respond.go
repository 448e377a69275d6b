package api

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"

	"OpenLLM-Core/internal/auth"
	"OpenLLM-Core/internal/conversation"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/job"
)

// ErrorBody 是所有错误响应的统一结构。
type ErrorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusFor 将错误码映射到 HTTP 状态码。
func StatusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobCompleted:
		return http.StatusConflict
	case xerrors.CodeUnsupportedCapability, xerrors.CodeMaxTurnsExceeded:
		return http.StatusUnprocessableEntity
	case CodeRateLimited, conversation.CodeLimitReached:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeNetwork, xerrors.CodeAPI, xerrors.CodeResponseParse, xerrors.CodeMaxRetriesExceeded:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure, xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, job.CodeJobPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	if e, ok := xerrors.From(err); ok {
		msg := e.Message()
		if cause := stdErrors.Unwrap(e); cause != nil {
			if msg == "" {
				msg = cause.Error()
			} else {
				msg += ": " + cause.Error()
			}
		}
		if msg == "" {
			msg = xerrors.AttributesOf(e.Code()).Message
		}
		return &ErrorBody{Code: string(e.Code()), Message: msg, Metadata: e.Metadata()}
	}
	return &ErrorBody{Code: string(xerrors.CodeUnknown), Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, StatusFor(xerrors.Code(body.Code)), body)
}

// decode 解析请求体，失败时返回 INVALID_ARGUMENT。
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(name string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, name+" 未初始化")
}
