package auth

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MiddlewareConfig 描述一组路由的访问要求。
type MiddlewareConfig struct {
	// RequiredPermissions 以 HTTP 方法为键，"*" 匹配未列出的方法。
	RequiredPermissions map[string][]string
	// AuditEvent 为空时审计日志使用请求路径。
	AuditEvent string
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms := c.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

func (c MiddlewareConfig) eventFor(r *http.Request) string {
	if c.AuditEvent != "" {
		return c.AuditEvent
	}
	return r.URL.Path
}

// Middleware 依次完成认证、鉴权，并在请求结束后写一条审计记录。
// 认证关闭时直接放行，上下文中不会有 Subject。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r)
			if err != nil {
				s.deny(w, r, "access_denied", err)
				return
			}
			if err := subject.Authorize(cfg.permissionsFor(r.Method)...); err != nil {
				s.deny(w, r, "permission_denied", err, slog.String("subject", subject.ID))
				return
			}

			start := time.Now()
			rec := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.LogAttrs(r.Context(), slog.LevelInfo, "api_request",
				slog.String("event", cfg.eventFor(r)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.ID),
				slog.String("auth", string(subject.Method)),
			)
		})
	}
}

// deny 写出 JSON 错误体，与 API 的错误信封保持同样的字段。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, err error, extra ...slog.Attr) {
	status, code := StatusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "failure",
		"error":  err.Error(),
		"code":   string(code),
	})
	attrs := append([]slog.Attr{
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}, extra...)
	s.audit.LogAttrs(r.Context(), slog.LevelWarn, event, attrs...)
}

// auditWriter 记录状态码，同时保留 Flusher 与 Hijacker，SSE 与 WebSocket 依赖它们。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *auditWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
