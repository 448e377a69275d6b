package dispatch

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20
)

// Response 是一次网络尝试的结果。Sent 表示请求已完整写出，Status 大于 0 表示收到了响应。
type Response struct {
	Sent   bool
	Status int
	Body   []byte
}

// Reached 判断请求是否已离开进程到达服务商。只有拨号或 DNS 阶段失败的尝试不算。
func (r Response) Reached() bool { return r.Sent || r.Status > 0 }

// Transport 负责发送已经格式化好的请求。
type Transport interface {
	Do(ctx context.Context, req *llm.WireRequest) (Response, error)
}

// HTTPTransport 基于 net/http 发送请求，并把失败归类为统一错误码。
type HTTPTransport struct {
	client   *http.Client
	maxBytes int64
}

// TransportOption 调整 HTTPTransport。
type TransportOption func(*HTTPTransport)

// WithHTTPClient 替换底层客户端。
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTimeout 设置单次请求超时。
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.client = &http.Client{Timeout: d, Transport: t.client.Transport}
		}
	}
}

// WithMaxResponseBytes 限制响应体大小。
func WithMaxResponseBytes(n int64) TransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

// NewHTTPTransport 创建 HTTP 传输层。
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		maxBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Do 发送请求。非 2xx 响应返回 API_ERROR，同时保留状态码与响应体。
func (t *HTTPTransport) Do(ctx context.Context, wire *llm.WireRequest) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, wire.Method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 HTTP 请求失败")
	}
	req.Header = wire.Header.Clone()

	var sent atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	}))

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{Sent: sent.Load()}, classify(ctx, err)
	}
	defer resp.Body.Close()

	out := Response{Sent: true, Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return out, classify(ctx, err)
	}
	if int64(len(body)) > t.maxBytes {
		return out, xerrors.ResponseParse(nil, fmt.Sprintf("response exceeds %d bytes", t.maxBytes))
	}
	out.Body = body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, xerrors.NewAPIError(resp.StatusCode, body)
	}
	return out, nil
}

// classify 区分取消、超时与其他网络错误。
func classify(ctx context.Context, err error) error {
	if stdErrors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Timeout(err, "provider request timed out")
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Timeout(err, "provider request timed out")
	}
	return xerrors.Network(err)
}
