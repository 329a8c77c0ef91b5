package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrMissingToken     = errors.New("missing credentials")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupportedMode  = errors.New("unsupported authentication mode")
)

// PermissionAll 授予全部权限，API Key 主体默认持有。
const PermissionAll = "*"

// 约定的权限名称。
const (
	PermissionToolsRead    = "tools:read"
	PermissionToolsInvoke  = "tools:invoke"
	PermissionAgentsRun    = "agents:run"
	PermissionFilesWrite   = "files:write"
	PermissionTasksRead    = "tasks:read"
	PermissionTasksWrite   = "tasks:write"
	PermissionHistoryRead  = "history:read"
	PermissionHistoryWrite = "history:write"
)

// KeyStore 根据 API Key 解析调用方身份，实现必须并发安全。
type KeyStore interface {
	LookupKey(ctx context.Context, key string) (*Subject, error)
}

// Subject 是通过认证的调用方，由中间件放入请求上下文。
// 请使用 NewSubject 构造，直接构造的 Subject 在权限判断时退化为线性查找。
type Subject struct {
	ID          string
	Method      Mode
	Permissions []string

	granted map[string]struct{}
}

// NewSubject 构造主体并建立权限索引。权限名不区分大小写。
func NewSubject(id string, method Mode, permissions ...string) *Subject {
	s := &Subject{ID: id, Method: method, Permissions: permissions}
	s.index()
	return s
}

func canonicalPermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func (s *Subject) index() {
	if s == nil || s.granted != nil {
		return
	}
	s.granted = make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		s.granted[canonicalPermission(p)] = struct{}{}
	}
}

func (s *Subject) grants(p string) bool {
	if s.granted != nil {
		_, ok := s.granted[p]
		return ok
	}
	return slices.ContainsFunc(s.Permissions, func(have string) bool { return canonicalPermission(have) == p })
}

// HasPermission 判断主体是否拥有 permission，持有 PermissionAll 时恒为 true。
func (s *Subject) HasPermission(permission string) bool {
	return s != nil && (s.grants(PermissionAll) || s.grants(canonicalPermission(permission)))
}

// Authorize 要求主体拥有全部 perms，空字符串会被跳过。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, p := range perms {
		if p != "" && !s.HasPermission(p) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, p)
		}
	}
	return nil
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
	ModeJWT      Mode = "jwt"
)

// ParseMode 将配置中的字符串转换为 Mode，空值视为 disabled。
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", ModeDisabled:
		return ModeDisabled, nil
	case ModeAPIKey, ModeJWT:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMode, raw)
	}
}
