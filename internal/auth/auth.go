// Package auth resolves the caller's scope from request credentials and
// headers. Three modes are supported: a shared static bearer token, HS256
// JWTs, and open (no credential check) for local development.
package auth

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/store"
)

// Scope-selecting request headers. Each falls back to the configured default
// when absent.
const (
	HeaderTenantID  = "X-Tenant-Id"
	HeaderNamespace = "X-Namespace"
	HeaderUserID    = "X-User-Id"
)

// Mode selects how credentials are verified.
type Mode string

const (
	// ModeStatic compares the bearer token against a shared secret.
	ModeStatic Mode = "static"
	// ModeJWT verifies an HS256-signed JWT; its sub claim is the fallback
	// user id.
	ModeJWT Mode = "jwt"
	// ModeOpen skips credential checks entirely.
	ModeOpen Mode = "open"
)

// Config carries the verification mode and the scope defaults applied when a
// request omits a scope header.
type Config struct {
	Mode        Mode
	StaticToken string
	JWTSecret   string

	DefaultTenantID  string
	DefaultNamespace string
	DefaultUserID    string
}

// Authenticator verifies request credentials and resolves scopes.
type Authenticator struct {
	cfg Config
}

// New validates the mode's required secret and returns an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	switch cfg.Mode {
	case ModeStatic:
		if cfg.StaticToken == "" {
			return nil, store.Invalid("static auth requires a token")
		}
	case ModeJWT:
		if cfg.JWTSecret == "" {
			return nil, store.Invalid("jwt auth requires a signing secret")
		}
	case ModeOpen:
		log.Warn().Msg("auth disabled, all requests accepted")
	default:
		return nil, store.Invalid("unknown auth mode %q", cfg.Mode)
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "default"
	}
	return &Authenticator{cfg: cfg}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Authenticate verifies the request's credentials and resolves its scope.
// Credential failures and scopes that cannot be completed even with defaults
// both come back as UNAUTHORIZED.
func (a *Authenticator) Authenticate(r *http.Request) (store.Scope, error) {
	subject := ""

	switch a.cfg.Mode {
	case ModeStatic:
		token := bearerToken(r)
		if token == "" {
			return store.Scope{}, store.Unauthorized("missing bearer token")
		}
		if !hmac.Equal([]byte(token), []byte(a.cfg.StaticToken)) {
			return store.Scope{}, store.Unauthorized("invalid bearer token")
		}
	case ModeJWT:
		raw := bearerToken(r)
		if raw == "" {
			return store.Scope{}, store.Unauthorized("missing bearer token")
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(a.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return store.Scope{}, store.Unauthorized("invalid token: %v", err)
		}
		if sub, err := claims.GetSubject(); err == nil {
			subject = sub
		}
	case ModeOpen:
	}

	scope := store.Scope{
		TenantID:  headerOr(r, HeaderTenantID, a.cfg.DefaultTenantID),
		Namespace: headerOr(r, HeaderNamespace, a.cfg.DefaultNamespace),
		UserID:    headerOr(r, HeaderUserID, firstNonEmpty(subject, a.cfg.DefaultUserID)),
	}
	// a caller whose scope cannot be completed has no identity here
	if scope.TenantID == "" {
		return store.Scope{}, store.Unauthorized("tenant id missing: set %s or configure a default", HeaderTenantID)
	}
	if scope.UserID == "" {
		return store.Scope{}, store.Unauthorized("user id missing: set %s or configure a default", HeaderUserID)
	}
	return scope, nil
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type scopeKey struct{}

// WithScope stores the resolved scope on the context.
func WithScope(ctx context.Context, scope store.Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFromContext returns the scope placed by WithScope.
func ScopeFromContext(ctx context.Context) (store.Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(store.Scope)
	return scope, ok
}
