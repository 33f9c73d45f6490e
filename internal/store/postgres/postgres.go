// Package postgres implements the storage adapter on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/syncx"
)

// The key column uses COLLATE "C" so ordering and range comparisons follow
// raw byte order regardless of the database locale, matching the cursor
// contract of the other backends.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    tenant_id     TEXT NOT NULL,
    namespace     TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    key           TEXT COLLATE "C" NOT NULL,
    value_json    JSONB NOT NULL,
    version       BIGINT NOT NULL,
    created_at_ms BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL,
    expires_at_ms BIGINT,
    PRIMARY KEY (tenant_id, namespace, user_id, key)
);
CREATE INDEX IF NOT EXISTS idx_items_expiry ON items(expires_at_ms) WHERE expires_at_ms IS NOT NULL;
`

// Adapter is a storage adapter backed by a PostgreSQL pool.
type Adapter struct {
	pool *pgxpool.Pool
}

// Open connects to url, applies pool tuning, verifies connectivity and
// ensures the schema exists.
func Open(ctx context.Context, url string) (*Adapter, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, store.Internal(err, "parse postgres url")
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Internal(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Internal(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, store.Internal(err, "create postgres schema")
	}

	log.Debug().Msg("postgres store opened")
	return &Adapter{pool: pool}, nil
}

type row struct {
	value       []byte
	version     int64
	createdAtMs int64
	updatedAtMs int64
	expiresAtMs *int64
}

func (r *row) item(key string) *store.Item {
	return &store.Item{
		Key:         key,
		Value:       json.RawMessage(r.value),
		Version:     r.version,
		CreatedAtMs: r.createdAtMs,
		UpdatedAtMs: r.updatedAtMs,
		ExpiresAtMs: r.expiresAtMs,
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readRow(ctx context.Context, q querier, scope store.Scope, key string, forUpdate bool) (*row, error) {
	query := `
		SELECT value_json, version, created_at_ms, updated_at_ms, expires_at_ms
		FROM items
		WHERE tenant_id = $1 AND namespace = $2 AND user_id = $3 AND key = $4
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var r row
	err := q.QueryRow(ctx, query, scope.TenantID, scope.Namespace, scope.UserID, key).Scan(
		&r.value, &r.version, &r.createdAtMs, &r.updatedAtMs, &r.expiresAtMs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.Internal(err, "read item")
	}
	return &r, nil
}

// Get returns the active item or nil.
func (a *Adapter) Get(ctx context.Context, scope store.Scope, key string) (*store.Item, error) {
	r, err := readRow(ctx, a.pool, scope, key, false)
	if err != nil || r == nil {
		return nil, err
	}
	it := r.item(key)
	if !it.Active(syncx.NowMs()) {
		// best-effort reclaim, guarded by version to avoid racing a rewrite
		_, _ = a.pool.Exec(ctx, `
			DELETE FROM items
			WHERE tenant_id = $1 AND namespace = $2 AND user_id = $3 AND key = $4 AND version = $5
		`, scope.TenantID, scope.Namespace, scope.UserID, key, it.Version)
		return nil, nil
	}
	return it, nil
}

// Put inserts or updates the item. The row lock taken by SELECT ... FOR
// UPDATE serialises concurrent writers on the same key, so the version check
// and the upsert are atomic.
func (a *Adapter) Put(ctx context.Context, scope store.Scope, key string, value json.RawMessage, opts store.PutOptions) (*store.Item, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, store.Internal(err, "begin put")
	}
	defer tx.Rollback(ctx)

	now := syncx.NowMs()
	current, err := readRow(ctx, tx, scope, key, true)
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

	_, err = tx.Exec(ctx, `
		INSERT INTO items (tenant_id, namespace, user_id, key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, namespace, user_id, key) DO UPDATE SET
			value_json    = excluded.value_json,
			version       = excluded.version,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			expires_at_ms = excluded.expires_at_ms
	`, scope.TenantID, scope.Namespace, scope.UserID, key,
		string(next.Value), next.Version, next.CreatedAtMs, next.UpdatedAtMs, next.ExpiresAtMs)
	if err != nil {
		return nil, store.Internal(err, "upsert item")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, store.Internal(err, "commit put")
	}
	return next, nil
}

// Delete removes the item, returning true iff an active item existed.
func (a *Adapter) Delete(ctx context.Context, scope store.Scope, key string, opts store.DeleteOptions) (bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return false, store.Internal(err, "begin delete")
	}
	defer tx.Rollback(ctx)

	current, err := readRow(ctx, tx, scope, key, true)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	it := current.item(key)
	active := it.Active(syncx.NowMs())
	if active && opts.IfMatchVersion != nil && it.Version != *opts.IfMatchVersion {
		return false, store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, it.Version, *opts.IfMatchVersion)
	}

	// an expired row is reclaimed here either way; it reports as absent
	if _, err := tx.Exec(ctx, `
		DELETE FROM items
		WHERE tenant_id = $1 AND namespace = $2 AND user_id = $3 AND key = $4
	`, scope.TenantID, scope.Namespace, scope.UserID, key); err != nil {
		return false, store.Internal(err, "delete item")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, store.Internal(err, "commit delete")
	}
	return active, nil
}

// BatchGet fetches all requested keys in one query, then fills absent keys
// with nil so the result key set matches the input.
func (a *Adapter) BatchGet(ctx context.Context, scope store.Scope, keys []string) (map[string]*store.Item, error) {
	now := syncx.NowMs()
	rows, err := a.pool.Query(ctx, `
		SELECT key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms
		FROM items
		WHERE tenant_id = $1 AND namespace = $2 AND user_id = $3 AND key = ANY($4)
		  AND (expires_at_ms IS NULL OR expires_at_ms > $5)
	`, scope.TenantID, scope.Namespace, scope.UserID, keys, now)
	if err != nil {
		return nil, store.Internal(err, "batch get items")
	}
	defer rows.Close()

	out := make(map[string]*store.Item, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	for rows.Next() {
		var key string
		var r row
		if err := rows.Scan(&key, &r.value, &r.version, &r.createdAtMs, &r.updatedAtMs, &r.expiresAtMs); err != nil {
			return nil, store.Internal(err, "scan item row")
		}
		out[key] = r.item(key)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Internal(err, "iterate item rows")
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

// List pages active items in ascending key byte order.
func (a *Adapter) List(ctx context.Context, scope store.Scope, opts store.ListOptions) (*store.ListResult, error) {
	now := syncx.NowMs()

	query := `
		SELECT key, value_json, version, created_at_ms, updated_at_ms, expires_at_ms
		FROM items
		WHERE tenant_id = $1 AND namespace = $2 AND user_id = $3
		  AND (expires_at_ms IS NULL OR expires_at_ms > $4)
	`
	args := []any{scope.TenantID, scope.Namespace, scope.UserID, now}
	if opts.Prefix != "" {
		args = append(args, escapeLike(opts.Prefix)+"%")
		query += fmt.Sprintf(` AND key LIKE $%d ESCAPE '\'`, len(args))
	}
	if opts.After != "" {
		args = append(args, opts.After)
		query += fmt.Sprintf(` AND key > $%d`, len(args))
	}
	args = append(args, opts.Limit+1)
	query += fmt.Sprintf(` ORDER BY key ASC LIMIT $%d`, len(args))

	rows, err := a.pool.Query(ctx, query, args...)
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

// Health pings the pool.
func (a *Adapter) Health(ctx context.Context) store.HealthStatus {
	if err := a.pool.Ping(ctx); err != nil {
		return store.HealthStatus{OK: false, Details: err.Error()}
	}
	return store.HealthStatus{OK: true}
}

// Close closes the pool.
func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}
