package auth

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

func jwtService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{
		Mode: "jwt",
		JWT:  config.JWTConfig{Secret: "test-secret", Issuer: "starkagent", Audience: "api"},
	}, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesMode(t *testing.T) {
	if _, err := NewService(config.AuthConfig{Mode: "oauth"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := NewService(config.AuthConfig{Mode: "apikey", APIKeys: []string{" "}}); err == nil {
		t.Fatal("expected error for empty key list")
	}
	if _, err := NewService(config.AuthConfig{Mode: "jwt"}); err == nil {
		t.Fatal("expected error for missing secret")
	}
	svc, err := NewService(config.AuthConfig{})
	if err != nil || svc.Enabled() {
		t.Fatalf("expected disabled service, got %v %v", svc.Mode(), err)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	svc, err := NewService(config.AuthConfig{Mode: "apikey", APIKeys: []string{"alpha", "beta"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("X-API-Key", "beta")
	subject, err := svc.AuthenticateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Method != ModeAPIKey || !subject.HasPermission(PermissionAgentsRun) {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	bearer.Header.Set("Authorization", "Bearer alpha")
	if _, err := svc.AuthenticateRequest(context.Background(), bearer); err != nil {
		t.Fatalf("bearer key rejected: %v", err)
	}

	query := httptest.NewRequest(http.MethodGet, "/ws?api_key=alpha", nil)
	if _, err := svc.AuthenticateRequest(context.Background(), query); err != nil {
		t.Fatalf("query key rejected: %v", err)
	}

	wrong := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	wrong.Header.Set("X-API-Key", "gamma")
	if _, err := svc.AuthenticateRequest(context.Background(), wrong); !stdErrors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	missing := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	if _, err := svc.AuthenticateRequest(context.Background(), missing); !stdErrors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	svc := jwtService(t)
	token, err := svc.IssueToken("user-1", []string{PermissionToolsRead}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.ID != "user-1" || subject.Method != ModeJWT {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if !subject.HasPermission("TOOLS:READ") || subject.HasPermission(PermissionAgentsRun) {
		t.Fatalf("unexpected permissions: %+v", subject.Permissions)
	}
	if err := subject.Authorize(PermissionAgentsRun); !stdErrors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestJWTRejectsExpiredAndForeignTokens(t *testing.T) {
	past := func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := jwtService(t, WithClock(past)).IssueToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc := jwtService(t)
	if _, err := svc.Authenticate(context.Background(), expired); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}

	other, err := NewService(config.AuthConfig{
		Mode: "jwt",
		JWT:  config.JWTConfig{Secret: "other-secret", Issuer: "starkagent", Audience: "api"},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	foreign, err := other.IssueToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), foreign); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}

	wrongAudience, err := NewService(config.AuthConfig{
		Mode: "jwt",
		JWT:  config.JWTConfig{Secret: "test-secret", Issuer: "starkagent", Audience: "web"},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	token, err := wrongAudience.IssueToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), token); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestIssueTokenRequiresJWTMode(t *testing.T) {
	svc, err := NewService(config.AuthConfig{Mode: "apikey", APIKeys: []string{"alpha"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.IssueToken("user", nil, 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestStaticKeyStoreStableSubjectID(t *testing.T) {
	store := NewStaticKeyStore([]string{"alpha", "alpha", ""})
	if store.Len() != 1 {
		t.Fatalf("expected deduplicated keys, got %d", store.Len())
	}
	first, err := store.LookupKey(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	second, _ := store.LookupKey(context.Background(), " alpha ")
	if first.ID != second.ID || len(first.ID) != len("key-")+8 {
		t.Fatalf("unexpected subject ids %q %q", first.ID, second.ID)
	}
}

func TestSubjectPermissionsWithoutIndex(t *testing.T) {
	literal := &Subject{ID: "ops", Permissions: []string{" Tasks:Read "}}
	indexed := NewSubject("ops", ModeJWT, " Tasks:Read ")
	for _, s := range []*Subject{literal, indexed} {
		if !s.HasPermission(PermissionTasksRead) || s.HasPermission(PermissionTasksWrite) {
			t.Fatalf("unexpected permissions for %+v", s)
		}
	}
	if err := (*Subject)(nil).Authorize(PermissionTasksRead); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil subject must be rejected, got %v", err)
	}
	if err := literal.Authorize("", PermissionTasksRead); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}
