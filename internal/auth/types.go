package auth

import (
	"fmt"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing api key")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid api key")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
	ErrSubjectRevoked   = xerrors.New(CodePermissionDenied, "api key is disabled")
)

// 权限名称。
const (
	// PermissionRead 允许查询模型、会话与任务。
	PermissionRead = "llm:read"
	// PermissionCall 允许发起同步调用、批量调用与会话轮次。
	PermissionCall = "llm:call"
	// PermissionJobs 允许提交异步任务。
	PermissionJobs = "jobs:write"
	// PermissionAll 授予全部权限。
	PermissionAll = "*"
)

// Mode enumerates the supported authentication modes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Subject 是通过认证的调用方，经由 context 传递给处理函数。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, fmt.Sprintf("permission denied: missing %s", perm),
				xerrors.WithMetadata("permission", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

// Clone 返回主体的副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}
