// Package driver opens a storage adapter from a single STORE_URL, picking
// the backend by scheme.
package driver

import (
	"context"
	"strings"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/store/libsql"
	"github.com/erauner12/prefstore-api/internal/store/postgres"
	"github.com/erauner12/prefstore-api/internal/store/redis"
	"github.com/erauner12/prefstore-api/internal/store/sqlite"
)

// Open returns the adapter for url.
//
//	postgres://, postgresql://          relational backend via pgx
//	redis://, rediss://                 key-value backend
//	libsql://, http://, https://        remote sqld over HTTP
//	file:path, sqlite:path, plain path  embedded sqlite file
func Open(ctx context.Context, url string) (store.Adapter, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(ctx, url)
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return redis.Open(ctx, url)
	case strings.HasPrefix(url, "libsql://"), strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return libsql.Open(ctx, url)
	case strings.HasPrefix(url, "sqlite:"):
		return sqlite.Open(ctx, strings.TrimPrefix(url, "sqlite:"))
	case url != "":
		// file:xyz DSNs and bare paths both go straight to the sqlite driver
		return sqlite.Open(ctx, url)
	default:
		return nil, store.Invalid("store url must not be empty")
	}
}
