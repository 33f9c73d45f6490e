// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"strconv"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/store"
)

// Config is everything the server needs to start.
type Config struct {
	// Env is "dev" or "prod"; dev switches logging to human-readable console
	// output.
	Env string

	// HTTPAddr is the listen address, e.g. ":8080".
	HTTPAddr string

	// StoreURL selects the storage backend by scheme.
	StoreURL string

	// AuthToken enables static bearer auth when set.
	AuthToken string
	// JWTSecret enables HS256 JWT auth when set and AuthToken is empty.
	JWTSecret string

	DefaultTenantID  string
	DefaultNamespace string
	DefaultUserID    string

	// Limits override the built-in request bounds; zero fields keep defaults.
	Limits store.Limits

	// RateLimitRPS and RateLimitBurst bound per-user request rates. RPS 0
	// disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// FromEnv reads the configuration, applying defaults for anything unset.
func FromEnv() Config {
	return Config{
		Env:              env("ENV", "dev"),
		HTTPAddr:         env("HTTP_ADDR", ":8080"),
		StoreURL:         env("STORE_URL", ""),
		AuthToken:        env("AUTH_TOKEN", ""),
		JWTSecret:        env("JWT_HS256_SECRET", ""),
		DefaultTenantID:  env("DEFAULT_TENANT_ID", ""),
		DefaultNamespace: env("DEFAULT_NAMESPACE", "default"),
		DefaultUserID:    env("DEFAULT_USER_ID", ""),
		Limits: store.Limits{
			MaxKeyLength:     envInt("MAX_KEY_LENGTH", 0),
			MaxValueBytes:    envInt("MAX_VALUE_BYTES", 0),
			MaxBatchSize:     envInt("MAX_BATCH_SIZE", 0),
			MaxListLimit:     envInt("MAX_LIST_LIMIT", 0),
			DefaultListLimit: envInt("DEFAULT_LIST_LIMIT", 0),
		},
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),
	}
}

// Validate checks the settings that have no usable default.
func (c Config) Validate() error {
	if c.StoreURL == "" {
		return store.Invalid("STORE_URL is required")
	}
	return nil
}

// AuthMode picks the verification mode from which secrets are present: a
// static token wins, then a JWT secret, otherwise the server runs open.
func (c Config) AuthMode() auth.Mode {
	switch {
	case c.AuthToken != "":
		return auth.ModeStatic
	case c.JWTSecret != "":
		return auth.ModeJWT
	default:
		return auth.ModeOpen
	}
}

// AuthConfig assembles the authenticator settings.
func (c Config) AuthConfig() auth.Config {
	return auth.Config{
		Mode:             c.AuthMode(),
		StaticToken:      c.AuthToken,
		JWTSecret:        c.JWTSecret,
		DefaultTenantID:  c.DefaultTenantID,
		DefaultNamespace: c.DefaultNamespace,
		DefaultUserID:    c.DefaultUserID,
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
