// Package libsql implements the storage adapter against a remote
// sqld/libsql server reached over HTTP.
//
// The HTTP protocol has no interactive transactions, so optimistic
// concurrency is enforced with single conditional statements: an UPDATE
// guarded by the expected version, or an INSERT that only lands when no row
// exists. A contended write retries the read-then-write sequence a few times
// before reporting a precondition failure.
package libsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/syncx"
)

// casAttempts bounds how often a write retries after losing a race before
// giving up with PRECONDITION_FAILED.
const casAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS items (
    tenant_id     TEXT NOT NULL,
    namespace     TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    key           TEXT NOT NULL,
    value_json    TEXT NOT NULL,
    version       INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL,
    expires_at_ms INTEGER,
    PRIMARY KEY (tenant_id, namespace, user_id, key)
);
CREATE INDEX IF NOT EXISTS idx_items_expiry ON items(expires_at_ms);
`

// Adapter is a storage adapter backed by a remote libsql database.
type Adapter struct {
	db *sql.DB
}

// Open connects to the libsql server at url (libsql://, https:// or http://)
// and ensures the schema exists.
func Open(ctx context.Context, url string) (*Adapter, error) {
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, store.Internal(err, "open libsql")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Internal(err, "ping libsql")
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, store.Internal(err, "create libsql schema")
		}
	}
	log.Debug().Str("url", url).Msg("libsql store opened")
	return &Adapter{db: db}, nil
}

type row struct {
	value       []byte
	version     int64
	createdAtMs int64
	updatedAtMs int64
	expiresAtMs sql.NullInt64
}

func (r *row) item(key string) *store.Item {
	it := &store.Item{
		Key:         key,
		Value:       json.RawMessage(r.value),
		Version:     r.version,
		CreatedAtMs: r.createdAtMs,
		UpdatedAtMs: r.updatedAtMs,
	}
	if r.expiresAtMs.Valid {
		v := r.expiresAtMs.Int64
		it.ExpiresAtMs = &v
	}
	return it
}

func (a *Adapter) readRow(ctx context.Context, scope store.Scope, key string) (*row, error) {
	var r row
	err := a.db.QueryRowContext(ctx, `
		SELECT value_json, version, created_at_ms, updated_at_ms, expires_at_ms
		FROM items
		WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ?
	`, scope.TenantID, scope.Namespace, scope.UserID, key).Scan(
		&r.value, &r.version, &r.createdAtMs, &r.updatedAtMs, &r.expiresAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.Internal(err, "read item")
	}
	return &r, nil
}

// Get returns the active item or nil. Expired rows are left for a later
// write or delete to reclaim; an extra round-trip per read is not worth it
// over HTTP.
func (a *Adapter) Get(ctx context.Context, scope store.Scope, key string) (*store.Item, error) {
	r, err := a.readRow(ctx, scope, key)
	if err != nil || r == nil {
		return nil, err
	}
	it := r.item(key)
	if !it.Active(syncx.NowMs()) {
		return nil, nil
	}
	return it, nil
}

// current returns the active item or nil, treating an expired row as absent.
func (a *Adapter) current(ctx context.Context, scope store.Scope, key string, nowMs int64) (*store.Item, error) {
	r, err := a.readRow(ctx, scope, key)
	if err != nil || r == nil {
		return nil, err
	}
	it := r.item(key)
	if !it.Active(nowMs) {
		return nil, nil
	}
	return it, nil
}

// Put inserts or updates the item. Each attempt reads the current state,
// checks the precondition, then issues one conditional statement whose WHERE
// clause re-verifies the observed version; zero rows affected means a
// concurrent writer won and the attempt repeats.
func (a *Adapter) Put(ctx context.Context, scope store.Scope, key string, value json.RawMessage, opts store.PutOptions) (*store.Item, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := syncx.NowMs()
		cur, err := a.current(ctx, scope, key, now)
		if err != nil {
			return nil, err
		}

		if opts.IfMatchVersion != nil {
			if cur == nil {
				return nil, store.PreconditionFailed("no current item for key %q", key)
			}
			if cur.Version != *opts.IfMatchVersion {
				return nil, store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, cur.Version, *opts.IfMatchVersion)
			}
		}

		next := &store.Item{
			Key:         key,
			Value:       value,
			Version:     1,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		}
		if cur != nil {
			next.Version = cur.Version + 1
			next.CreatedAtMs = cur.CreatedAtMs
		}
		if opts.TTLSeconds > 0 {
			exp := now + opts.TTLSeconds*1000
			next.ExpiresAtMs = &exp
		}

		var expires any
		if next.ExpiresAtMs != nil {
			expires = *next.ExpiresAtMs
		}

		var res sql.Result
		if cur != nil {
			// conditional update: only lands if the version we read still holds
			res, err = a.db.ExecContext(ctx, `
				UPDATE items
				SET value_json = ?, version = ?, updated_at_ms = ?, expires_at_ms = ?
				WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ? AND version = ?
			`, string(next.Value), next.Version, next.UpdatedAtMs, expires,
				scope.TenantID, scope.Namespace, scope.UserID, key, cur.Version)
		} else {
			// the row may exist but be expired; replace it wholesale, guarded
			// against a concurrent fresh write having bumped the version
			_, err = a.db.ExecContext(ctx, `
				DELETE FROM items
				WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ?
				  AND expires_at_ms IS NOT NULL AND expires_at_ms <= ?
			`, scope.TenantID, scope.Namespace, scope.UserID, key, now)
			if err != nil {
				return nil, store.Internal(err, "reclaim expired item")
			}
			res, err = a.db.ExecContext(ctx, `
				INSERT INTO items (tenant_id, namespace, user_id, key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (tenant_id, namespace, user_id, key) DO NOTHING
			`, scope.TenantID, scope.Namespace, scope.UserID, key,
				string(next.Value), next.Version, next.CreatedAtMs, next.UpdatedAtMs, expires)
		}
		if err != nil {
			return nil, store.Internal(err, "write item")
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, store.Internal(err, "write item result")
		}
		if n == 1 {
			return next, nil
		}
		log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("libsql write raced, retrying")
	}
	return nil, store.PreconditionFailed("write contention on key %q", key)
}

// Delete removes the item, returning true iff an active item existed.
func (a *Adapter) Delete(ctx context.Context, scope store.Scope, key string, opts store.DeleteOptions) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := syncx.NowMs()
		cur, err := a.current(ctx, scope, key, now)
		if err != nil {
			return false, err
		}
		if cur == nil {
			return false, nil
		}
		if opts.IfMatchVersion != nil && cur.Version != *opts.IfMatchVersion {
			return false, store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, cur.Version, *opts.IfMatchVersion)
		}

		res, err := a.db.ExecContext(ctx, `
			DELETE FROM items
			WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ? AND version = ?
		`, scope.TenantID, scope.Namespace, scope.UserID, key, cur.Version)
		if err != nil {
			return false, store.Internal(err, "delete item")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, store.Internal(err, "delete item result")
		}
		if n == 1 {
			return true, nil
		}
		log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("libsql delete raced, retrying")
	}
	return false, store.PreconditionFailed("delete contention on key %q", key)
}

// BatchGet fetches each key in turn; duplicates collapse into one entry.
func (a *Adapter) BatchGet(ctx context.Context, scope store.Scope, keys []string) (map[string]*store.Item, error) {
	out := make(map[string]*store.Item, len(keys))
	for _, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		it, err := a.Get(ctx, scope, k)
		if err != nil {
			return nil, err
		}
		out[k] = it
	}
	return out, nil
}

// BatchPut applies entries in declaration order; the first failure stops the
// batch with earlier entries already committed.
func (a *Adapter) BatchPut(ctx context.Context, scope store.Scope, entries []store.PutEntry) (map[string]*store.Item, error) {
	out := make(map[string]*store.Item, len(entries))
	for _, e := range entries {
		it, err := a.Put(ctx, scope, e.Key, e.Value, e.Options)
		if err != nil {
			return nil, err
		}
		out[e.Key] = it
	}
	return out, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// List pages active items in ascending key order.
func (a *Adapter) List(ctx context.Context, scope store.Scope, opts store.ListOptions) (*store.ListResult, error) {
	now := syncx.NowMs()

	query := `
		SELECT key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms
		FROM items
		WHERE tenant_id = ? AND namespace = ? AND user_id = ?
		  AND (expires_at_ms IS NULL OR expires_at_ms > ?)
	`
	args := []any{scope.TenantID, scope.Namespace, scope.UserID, now}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix)+"%")
	}
	if opts.After != "" {
		query += ` AND key > ?`
		args = append(args, opts.After)
	}
	query += ` ORDER BY key ASC LIMIT ?`
	args = append(args, opts.Limit+1)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Internal(err, "list items")
	}
	defer rows.Close()

	items := make([]store.Item, 0, opts.Limit)
	more := false
	for rows.Next() {
		var key string
		var r row
		if err := rows.Scan(&key, &r.value, &r.version, &r.createdAtMs, &r.updatedAtMs, &r.expiresAtMs); err != nil {
			return nil, store.Internal(err, "scan item row")
		}
		if len(items) == opts.Limit {
			more = true
			break
		}
		items = append(items, *r.item(key))
	}
	if err := rows.Err(); err != nil {
		return nil, store.Internal(err, "iterate item rows")
	}

	return &store.ListResult{Items: items, More: more}, nil
}

// Health runs SELECT 1 against the remote server.
func (a *Adapter) Health(ctx context.Context) store.HealthStatus {
	var one int
	if err := a.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return store.HealthStatus{OK: false, Details: err.Error()}
	}
	return store.HealthStatus{OK: true}
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.db.Close()
}
