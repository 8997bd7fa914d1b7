package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"contestjudge/internal/common/auth"
	pkgerrors "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type fakeAuthenticator struct {
	identity auth.Identity
	err      error
	gotToken string
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, raw string) (auth.Identity, error) {
	f.gotToken = raw
	return f.identity, f.err
}

func newAuthRouter(a Authenticator, roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware(), AuthMiddleware(a, roles...))
	r.GET("/me", func(c *gin.Context) {
		ctxUser, _ := c.Request.Context().Value(contextkey.UserID).(string)
		c.String(http.StatusOK, c.GetString(UserIDKey)+"|"+ctxUser)
	})
	return r
}

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	fa := &fakeAuthenticator{identity: auth.Identity{UserID: "u-7", Role: "contestant"}}
	r := newAuthRouter(fa)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "u-7|u-7" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
	if fa.gotToken != "tok" {
		t.Fatalf("token passed = %q", fa.gotToken)
	}
	if w.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("trace header missing")
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	tests := []struct {
		name  string
		auth  Authenticator
		roles []string
		want  int
	}{
		{name: "invalid token", auth: &fakeAuthenticator{err: pkgerrors.New(pkgerrors.TokenInvalid)}, want: http.StatusUnauthorized},
		{name: "role mismatch", auth: &fakeAuthenticator{identity: auth.Identity{UserID: "u", Role: "contestant"}}, roles: []string{"admin"}, want: http.StatusForbidden},
		{name: "no authenticator", auth: nil, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRouter(tt.auth, tt.roles...)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
