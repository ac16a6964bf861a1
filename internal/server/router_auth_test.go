package server

import (
	contextpkg "context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

type stubUserResolver struct {
	user users.User
	err  error
}

func (s stubUserResolver) CurrentUser(contextpkg.Context, auth.SessionClaims) (users.User, error) {
	return s.user, s.err
}

func runResolveSession(t *testing.T, handler *httpHandler) (users.User, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/rpc/posts.create", http.NoBody)

	handler.resolveSession(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got aborted with status %d", recorder.Code)
	}
	return api.ActingUser(ctx.Request.Context())
}

func TestResolveSessionAttachesActingUser(t *testing.T) {
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}},
		users:    stubUserResolver{user: users.User{ID: "user-1"}},
		logger:   zap.NewNop(),
	}

	user, ok := runResolveSession(t, handler)
	if !ok || user.ID != "user-1" {
		t.Fatalf("expected acting user user-1, got %+v (present=%v)", user, ok)
	}
}

func TestResolveSessionWithoutCookieIsSilentlyAnonymous(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: auth.ErrMissingSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	if _, ok := runResolveSession(t, handler); ok {
		t.Fatalf("expected anonymous request")
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestResolveSessionLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: auth.ErrExpiredSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	if _, ok := runResolveSession(t, handler); ok {
		t.Fatalf("expected anonymous request")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestResolveSessionLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: errors.New("signature mismatch")},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	if _, ok := runResolveSession(t, handler); ok {
		t.Fatalf("expected anonymous request")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestResolveSessionContinuesWhenUserResolutionFails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}},
		users:    stubUserResolver{err: errors.New("directory offline")},
		logger:   zap.New(core),
	}

	if _, ok := runResolveSession(t, handler); ok {
		t.Fatalf("expected anonymous request")
	}
	if logs.FilterMessage("session user resolution failed").Len() != 1 {
		t.Fatalf("expected resolution failure to be logged")
	}
}
