// Package sqlite implements the storage adapter on an embedded SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/syncx"
)

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

// Adapter is a storage adapter backed by a local SQLite file.
type Adapter struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and ensures the schema
// exists. The pool is capped at a single connection: SQLite is a
// single-writer engine and one connection avoids SQLITE_BUSY under
// concurrent callers.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, store.Internal(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Internal(err, "ping sqlite")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, store.Internal(err, "create sqlite schema")
	}

	log.Debug().Str("dsn", dsn).Msg("sqlite store opened")
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

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRow(ctx context.Context, q querier, scope store.Scope, key string) (*row, error) {
	var r row
	err := q.QueryRowContext(ctx, `
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

// Get returns the active item or nil. An expired row it encounters is
// deleted opportunistically.
func (a *Adapter) Get(ctx context.Context, scope store.Scope, key string) (*store.Item, error) {
	r, err := readRow(ctx, a.db, scope, key)
	if err != nil || r == nil {
		return nil, err
	}
	it := r.item(key)
	if !it.Active(syncx.NowMs()) {
		// best-effort reclaim; version guard avoids racing a fresh write
		_, _ = a.db.ExecContext(ctx, `
			DELETE FROM items
			WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ? AND version = ?
		`, scope.TenantID, scope.Namespace, scope.UserID, key, it.Version)
		return nil, nil
	}
	return it, nil
}

// Put inserts or updates the item inside a transaction so the precondition
// check and the write share one boundary.
func (a *Adapter) Put(ctx context.Context, scope store.Scope, key string, value json.RawMessage, opts store.PutOptions) (*store.Item, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Internal(err, "begin put")
	}
	defer tx.Rollback()

	now := syncx.NowMs()
	current, err := readRow(ctx, tx, scope, key)
	if err != nil {
		return nil, err
	}

	var cur *store.Item
	if current != nil {
		it := current.item(key)
		if it.Active(now) {
			cur = it
		}
	}

	next, err := nextItem(cur, key, value, opts, now)
	if err != nil {
		return nil, err
	}

	var expires sql.NullInt64
	if next.ExpiresAtMs != nil {
		expires = sql.NullInt64{Int64: *next.ExpiresAtMs, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (tenant_id, namespace, user_id, key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, namespace, user_id, key) DO UPDATE SET
			value_json    = excluded.value_json,
			version       = excluded.version,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`, scope.TenantID, scope.Namespace, scope.UserID, key,
		string(next.Value), next.Version, next.CreatedAtMs, next.UpdatedAtMs, expires)
	if err != nil {
		return nil, store.Internal(err, "upsert item")
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Internal(err, "commit put")
	}
	return next, nil
}

// nextItem applies the optimistic-concurrency rules shared by the SQL
// backends: cur is the active item or nil.
func nextItem(cur *store.Item, key string, value json.RawMessage, opts store.PutOptions, nowMs int64) (*store.Item, error) {
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
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}
	if cur != nil {
		next.Version = cur.Version + 1
		next.CreatedAtMs = cur.CreatedAtMs
	}
	if opts.TTLSeconds > 0 {
		exp := nowMs + opts.TTLSeconds*1000
		next.ExpiresAtMs = &exp
	}
	return next, nil
}

// Delete removes the item, returning true iff an active item existed.
func (a *Adapter) Delete(ctx context.Context, scope store.Scope, key string, opts store.DeleteOptions) (bool, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, store.Internal(err, "begin delete")
	}
	defer tx.Rollback()

	current, err := readRow(ctx, tx, scope, key)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	it := current.item(key)
	if !it.Active(syncx.NowMs()) {
		// expired rows behave as absent; reclaim while we hold the row
		_, _ = tx.ExecContext(ctx, `
			DELETE FROM items
			WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ?
		`, scope.TenantID, scope.Namespace, scope.UserID, key)
		_ = tx.Commit()
		return false, nil
	}

	if opts.IfMatchVersion != nil && it.Version != *opts.IfMatchVersion {
		return false, store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, it.Version, *opts.IfMatchVersion)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM items
		WHERE tenant_id = ? AND namespace = ? AND user_id = ? AND key = ?
	`, scope.TenantID, scope.Namespace, scope.UserID, key); err != nil {
		return false, store.Internal(err, "delete item")
	}
	if err := tx.Commit(); err != nil {
		return false, store.Internal(err, "commit delete")
	}
	return true, nil
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

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// List pages active items in ascending key order, fetching one extra row to
// decide whether a continuation cursor is warranted.
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

// Health runs SELECT 1.
func (a *Adapter) Health(ctx context.Context) store.HealthStatus {
	var one int
	if err := a.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return store.HealthStatus{OK: false, Details: err.Error()}
	}
	return store.HealthStatus{OK: true}
}

// Close closes the underlying pool. Safe to call more than once.
func (a *Adapter) Close() error {
	return a.db.Close()
}
