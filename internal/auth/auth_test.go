package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erauner12/prefstore-api/internal/store"
)

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := New(Config{Mode: ModeStatic}); err == nil {
		t.Fatal("static mode without token accepted")
	}
	if _, err := New(Config{Mode: ModeJWT}); err == nil {
		t.Fatal("jwt mode without secret accepted")
	}
	if _, err := New(Config{Mode: "bogus"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestStaticToken(t *testing.T) {
	a, err := New(Config{Mode: ModeStatic, StaticToken: "sekrit", DefaultTenantID: "acme", DefaultUserID: "u1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/items/k", nil)
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("missing token error = %v", err)
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("wrong token error = %v", err)
	}

	r.Header.Set("Authorization", "Bearer sekrit")
	scope, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	want := store.Scope{TenantID: "acme", Namespace: "default", UserID: "u1"}
	if scope != want {
		t.Fatalf("scope = %+v, want %+v", scope, want)
	}
}

func TestScopeHeadersOverrideDefaults(t *testing.T) {
	a, err := New(Config{Mode: ModeOpen, DefaultTenantID: "acme", DefaultUserID: "u1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/items/k", nil)
	r.Header.Set(HeaderTenantID, "globex")
	r.Header.Set(HeaderNamespace, "settings")
	r.Header.Set(HeaderUserID, "u9")

	scope, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	want := store.Scope{TenantID: "globex", Namespace: "settings", UserID: "u9"}
	if scope != want {
		t.Fatalf("scope = %+v, want %+v", scope, want)
	}
}

func TestIncompleteScopeIsUnauthorized(t *testing.T) {
	a, err := New(Config{Mode: ModeOpen})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// neither header nor default supplies a tenant
	r := httptest.NewRequest("GET", "/v1/items/k", nil)
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("missing tenant error = %v, want UNAUTHORIZED", err)
	}

	// tenant present but no user id from header, token subject or default
	r.Header.Set(HeaderTenantID, "acme")
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("missing user error = %v, want UNAUTHORIZED", err)
	}

	// completing the scope via headers makes the same request pass
	r.Header.Set(HeaderUserID, "u1")
	if _, err := a.Authenticate(r); err != nil {
		t.Fatalf("complete scope rejected: %v", err)
	}
}

func signJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWT(t *testing.T) {
	a, err := New(Config{Mode: ModeJWT, JWTSecret: "topsecret", DefaultTenantID: "acme"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/items/k", nil)
	r.Header.Set("Authorization", "Bearer "+signJWT(t, "topsecret", jwt.MapClaims{
		"sub": "jwt-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	scope, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if scope.UserID != "jwt-user" {
		t.Fatalf("user from sub = %q", scope.UserID)
	}

	// explicit header wins over the token subject
	r.Header.Set(HeaderUserID, "override")
	scope, err = a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if scope.UserID != "override" {
		t.Fatalf("user = %q, want override", scope.UserID)
	}

	r.Header.Del(HeaderUserID)
	r.Header.Set("Authorization", "Bearer "+signJWT(t, "wrong-secret", jwt.MapClaims{"sub": "x"}))
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("bad signature error = %v", err)
	}

	r.Header.Set("Authorization", "Bearer "+signJWT(t, "topsecret", jwt.MapClaims{
		"sub": "jwt-user",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))
	if _, err := a.Authenticate(r); store.CodeOf(err) != store.CodeUnauthorized {
		t.Fatalf("expired token error = %v", err)
	}
}
