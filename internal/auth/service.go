// Package auth authenticates API callers by static API keys declared in the
// configuration and checks per-route permissions.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"OpenLLM-Core/internal/config"
	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/pkg/logger"
)

const envPrefix = "env:"

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  map[[sha256.Size]byte]*Subject
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。密钥只保存摘要。
func NewService(cfg config.AuthConfig) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		keys:  make(map[[sha256.Size]byte]*Subject),
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	for i, key := range cfg.Keys {
		secret := resolveSecret(key.Key)
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("api key #%d (%s) is empty", i, key.Name))
		}
		digest := sha256.Sum256([]byte(secret))
		if _, dup := svc.keys[digest]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("api key %s is declared twice", key.Name))
		}
		name := strings.TrimSpace(key.Name)
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		perms := key.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		subject := &Subject{Name: name, Permissions: append([]string(nil), perms...), Disabled: key.Disabled}
		subject.normalise()
		svc.keys[digest] = subject
	}
	if len(svc.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "api_key mode requires at least one key")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 校验 Authorization: Bearer 头或 X-API-Key 头中的密钥。
func (s *Service) AuthenticateRequest(_ context.Context, authorization, apiKey string) (*Subject, error) {
	token := strings.TrimSpace(apiKey)
	if authorization = strings.TrimSpace(authorization); authorization != "" {
		scheme, value, ok := strings.Cut(authorization, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return nil, ErrInvalidToken
		}
		token = strings.TrimSpace(value)
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.keys[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject.Clone(), nil
}

func resolveSecret(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, envPrefix) {
		return strings.TrimSpace(os.Getenv(strings.TrimPrefix(value, envPrefix)))
	}
	return value
}
