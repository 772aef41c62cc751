package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serbia-gov/messagelog/internal/shared/config"
)

var testAuth = config.AuthConfig{Enabled: true, JWTSecret: "secret", Issuer: "gateway"}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return s
}

func claims(issuer string, expires time.Time, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "auditor-7",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Roles:    roles,
		ClientID: "RS/GOV/1/a",
	}
}

// serve runs the auth middleware and returns the status plus the user the
// handler saw.
func serve(t *testing.T, cfg config.AuthConfig, header string, required ...string) (int, *User) {
	t.Helper()
	var seen *User
	h := Middleware(cfg)(RequireRoles(required...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUser(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, seen
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	tok := sign(t, jwt.SigningMethodHS256, []byte("secret"), claims("gateway", time.Now().Add(time.Hour), RoleAuditor))

	code, user := serve(t, testAuth, "Bearer "+tok, RoleAuditor)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if user == nil || user.ID != "auditor-7" || user.ClientID != "RS/GOV/1/a" {
		t.Errorf("Unexpected user %+v", user)
	}
}

func TestMiddlewareRejects(t *testing.T) {
	valid := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"wrong secret", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), claims("gateway", valid, RoleAuditor))},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), claims("gateway", time.Now().Add(-time.Minute), RoleAuditor))},
		{"wrong issuer", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), claims("elsewhere", valid, RoleAuditor))},
		{"unsigned", "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, claims("gateway", valid, RoleAuditor))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := serve(t, testAuth, tt.header, RoleAuditor); code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", code)
			}
		})
	}
}

func TestRequireRoles(t *testing.T) {
	valid := time.Now().Add(time.Hour)
	auditor := "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), claims("gateway", valid, RoleAuditor))
	admin := "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), claims("gateway", valid, RoleAdmin))

	if code, _ := serve(t, testAuth, auditor, RoleOperator); code != http.StatusForbidden {
		t.Errorf("Expected 403 for auditor on operator route, got %d", code)
	}
	if code, _ := serve(t, testAuth, admin, RoleOperator); code != http.StatusOK {
		t.Errorf("Expected admin to pass, got %d", code)
	}
}

func TestDisabledAuthPassesAsAdmin(t *testing.T) {
	code, user := serve(t, config.AuthConfig{}, "", RoleOperator)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !user.IsAdmin() {
		t.Errorf("Expected anonymous admin, got %+v", user)
	}
}

func TestCanReadClient(t *testing.T) {
	scoped := &User{Roles: []string{RoleAuditor}, ClientID: "a"}
	if !scoped.CanReadClient("a") || scoped.CanReadClient("b") {
		t.Error("Expected scoped auditor to read only its own client")
	}
	unscoped := &User{Roles: []string{RoleAuditor}}
	if !unscoped.CanReadClient("b") {
		t.Error("Expected unscoped auditor to read any client")
	}
}
