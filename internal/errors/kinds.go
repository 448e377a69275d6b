package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
)

// maxBodyInError 限制错误信息中保留的响应体长度。
const maxBodyInError = 2048

// APIError 描述服务商返回的非 2xx 响应。
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// Retryable 对 429 与 5xx 返回 true。
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Status == 429 || e.Status >= 500
}

// NewAPIError 构造 API_ERROR，可重试属性由状态码决定。
func NewAPIError(status int, body []byte) *Error {
	text := string(body)
	if len(text) > maxBodyInError {
		text = text[:maxBodyInError]
	}
	cause := &APIError{Status: status, Body: text}
	return Wrap(CodeAPI, cause, "provider returned an error response",
		WithRetryable(cause.Retryable()),
		WithMetadata("status", strconv.Itoa(status)),
	)
}

// APIStatus 返回错误链中的 HTTP 状态码，不存在时返回 0。
func APIStatus(err error) int {
	var apiErr *APIError
	if stdErrors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// HasCode 沿错误链查找任意一层是否带有指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// Network 包装传输层错误。
func Network(cause error) *Error {
	return Wrap(CodeNetwork, cause, "")
}

// Timeout 包装超时错误。
func Timeout(cause error, message string) *Error {
	return Wrap(CodeTimeout, cause, message)
}

// ResponseParse 包装响应解析失败。
func ResponseParse(cause error, message string) *Error {
	return Wrap(CodeResponseParse, cause, message)
}

// Unsupported 返回 UNSUPPORTED_CAPABILITY 错误。
func Unsupported(format string, args ...any) *Error {
	return New(CodeUnsupportedCapability, fmt.Sprintf(format, args...))
}
