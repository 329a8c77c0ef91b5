package auth

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	loggerpkg "starknet-agent-kit/pkg/logger"
)

const (
	headerAPIKey    = "X-API-Key"
	queryAPIKey     = "api_key"
	queryToken      = "access_token"
	defaultTokenTTL = time.Hour
)

// Claims 是本服务签发与校验的 JWT 声明。
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责校验请求凭证并在 JWT 模式下签发令牌。
type Service struct {
	mode     Mode
	keys     KeyStore
	secret   []byte
	issuer   string
	audience string
	audit    *slog.Logger
	now      func() time.Time
}

// Option 定制 Service。
type Option func(*Service)

// WithKeyStore 替换默认的静态 Key 存储。
func WithKeyStore(store KeyStore) Option {
	return func(s *Service) {
		if store != nil {
			s.keys = store
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithClock 覆盖时间源，主要用于测试令牌过期。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 根据配置构建认证服务。
func NewService(cfg config.AuthConfig, opts ...Option) (*Service, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "认证模式无效")
	}
	svc := &Service{
		mode:     mode,
		secret:   []byte(strings.TrimSpace(cfg.JWT.Secret)),
		issuer:   strings.TrimSpace(cfg.JWT.Issuer),
		audience: strings.TrimSpace(cfg.JWT.Audience),
		audit:    loggerpkg.Audit(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}

	switch mode {
	case ModeAPIKey:
		if svc.keys == nil {
			static := NewStaticKeyStore(cfg.APIKeys)
			if static.Len() == 0 {
				return nil, xerrors.New(xerrors.CodeInitializationFailure, "apikey 模式至少需要一个 API Key")
			}
			svc.keys = static
		}
	case ModeJWT:
		if len(svc.secret) == 0 {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt 模式需要配置签名密钥")
		}
	}
	return svc, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要校验凭证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 从请求头或查询参数中提取凭证并校验。
// 查询参数仅用于无法设置请求头的 WebSocket 客户端。
func (s *Service) AuthenticateRequest(ctx context.Context, r *http.Request) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	credential := ""
	if s.mode == ModeAPIKey {
		credential = strings.TrimSpace(r.Header.Get(headerAPIKey))
	}
	if credential == "" {
		credential = bearerToken(r.Header.Get("Authorization"))
	}
	if credential == "" {
		key := queryToken
		if s.mode == ModeAPIKey {
			key = queryAPIKey
		}
		credential = strings.TrimSpace(r.URL.Query().Get(key))
	}
	return s.Authenticate(ctx, credential)
}

// Authenticate 校验单个凭证字符串。
func (s *Service) Authenticate(ctx context.Context, credential string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeAPIKey:
		return s.keys.LookupKey(ctx, credential)
	case ModeJWT:
		return s.verifyJWT(credential)
	default:
		return nil, ErrUnsupportedMode
	}
}

// IssueToken 为指定主体签发 HS256 令牌，ttl 非正时使用一小时。
func (s *Service) IssueToken(subjectID string, permissions []string, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "仅 jwt 模式支持签发令牌")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "subject 不能为空")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		Permissions: append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签发令牌失败")
	}
	return signed, nil
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(s.audience))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	perms := append([]string(nil), claims.Permissions...)
	perms = append(perms, strings.Fields(claims.Scope)...)
	return NewSubject(claims.Subject, ModeJWT, perms...), nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// StatusOf 将认证错误映射为 HTTP 状态码与错误码。
func StatusOf(err error) (int, xerrors.Code) {
	if stdErrors.Is(err, ErrPermissionDenied) {
		return http.StatusForbidden, xerrors.CodeForbidden
	}
	return http.StatusUnauthorized, xerrors.CodeUnauthorized
}
