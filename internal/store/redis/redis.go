// Package redis implements the storage adapter on a redis-compatible
// key-value server.
//
// Each item is a JSON envelope stored under a key that flattens the scope:
//
//	t:<tenant>:n:<namespace>:u:<user>:k:<item key>
//
// Writes use WATCH plus a transactional pipeline as compare-and-swap: the
// envelope is read under WATCH, the precondition checked, and the SET only
// commits if no other client touched the key meanwhile. A lost race retries
// up to a small budget.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/syncx"
)

// casAttempts bounds WATCH retries before a write reports contention as a
// precondition failure.
const casAttempts = 5

// Adapter is a storage adapter backed by a redis server.
type Adapter struct {
	client *redis.Client
}

// Open connects using a redis:// URL and verifies the server responds.
func Open(ctx context.Context, url string) (*Adapter, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, store.Internal(err, "parse redis url")
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, store.Internal(err, "ping redis")
	}
	log.Debug().Str("addr", opt.Addr).Int("db", opt.DB).Msg("redis store opened")
	return &Adapter{client: client}, nil
}

// envelope is the stored representation of an item.
type envelope struct {
	Value       json.RawMessage `json:"value"`
	Version     int64           `json:"version"`
	CreatedAtMs int64           `json:"createdAtMs"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
	ExpiresAtMs *int64          `json:"expiresAtMs,omitempty"`
}

func (e *envelope) item(key string) *store.Item {
	return &store.Item{
		Key:         key,
		Value:       e.Value,
		Version:     e.Version,
		CreatedAtMs: e.CreatedAtMs,
		UpdatedAtMs: e.UpdatedAtMs,
		ExpiresAtMs: e.ExpiresAtMs,
	}
}

func storageKey(scope store.Scope, key string) string {
	return "t:" + scope.TenantID + ":n:" + scope.Namespace + ":u:" + scope.UserID + ":k:" + key
}

// globEscape escapes MATCH metacharacters so scope components and prefixes
// match literally during SCAN.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanPattern(scope store.Scope, prefix string) string {
	return "t:" + globEscape(scope.TenantID) +
		":n:" + globEscape(scope.Namespace) +
		":u:" + globEscape(scope.UserID) +
		":k:" + globEscape(prefix) + "*"
}

// itemKeyFrom strips the scope envelope off a storage key. The scope prefix
// is computed rather than searched so scope components containing ":k:"
// cannot confuse the split.
func itemKeyFrom(scope store.Scope, sk string) string {
	prefix := storageKey(scope, "")
	if !strings.HasPrefix(sk, prefix) {
		return sk
	}
	return sk[len(prefix):]
}

func decode(data []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, store.Internal(err, "decode stored item")
	}
	return &e, nil
}

// Get returns the active item or nil. Envelope expiry is checked even though
// the server also expires the key: server clocks and ours may disagree.
func (a *Adapter) Get(ctx context.Context, scope store.Scope, key string) (*store.Item, error) {
	data, err := a.client.Get(ctx, storageKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Internal(err, "get item")
	}
	e, err := decode(data)
	if err != nil {
		return nil, err
	}
	it := e.item(key)
	if !it.Active(syncx.NowMs()) {
		return nil, nil
	}
	return it, nil
}

// Put inserts or updates the item via WATCH-guarded compare-and-swap.
func (a *Adapter) Put(ctx context.Context, scope store.Scope, key string, value json.RawMessage, opts store.PutOptions) (*store.Item, error) {
	sk := storageKey(scope, key)

	var written *store.Item
	txn := func(tx *redis.Tx) error {
		now := syncx.NowMs()

		var cur *store.Item
		data, err := tx.Get(ctx, sk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return store.Internal(err, "get item")
		default:
			e, derr := decode(data)
			if derr != nil {
				return derr
			}
			if it := e.item(key); it.Active(now) {
				cur = it
			}
		}

		if opts.IfMatchVersion != nil {
			if cur == nil {
				return store.PreconditionFailed("no current item for key %q", key)
			}
			if cur.Version != *opts.IfMatchVersion {
				return store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, cur.Version, *opts.IfMatchVersion)
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

		var ttl time.Duration
		if opts.TTLSeconds > 0 {
			exp := now + opts.TTLSeconds*1000
			next.ExpiresAtMs = &exp
			ttl = time.Duration(opts.TTLSeconds) * time.Second
		}

		payload, err := json.Marshal(envelope{
			Value:       next.Value,
			Version:     next.Version,
			CreatedAtMs: next.CreatedAtMs,
			UpdatedAtMs: next.UpdatedAtMs,
			ExpiresAtMs: next.ExpiresAtMs,
		})
		if err != nil {
			return store.Internal(err, "encode item")
		}

		// ttl 0 persists the key, clearing any earlier expiry
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, payload, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		written = next
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := a.client.Watch(ctx, txn, sk)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("redis write raced, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return written, nil
	}
	return nil, store.PreconditionFailed("write contention on key %q", key)
}

// Delete removes the item, returning true iff an active item existed.
func (a *Adapter) Delete(ctx context.Context, scope store.Scope, key string, opts store.DeleteOptions) (bool, error) {
	sk := storageKey(scope, key)

	var existed bool
	txn := func(tx *redis.Tx) error {
		existed = false

		data, err := tx.Get(ctx, sk).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return store.Internal(err, "get item")
		}
		e, derr := decode(data)
		if derr != nil {
			return derr
		}
		it := e.item(key)
		if !it.Active(syncx.NowMs()) {
			// expired envelope lingering past its server TTL; reclaim it
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, sk)
				return nil
			})
			return err
		}

		if opts.IfMatchVersion != nil && it.Version != *opts.IfMatchVersion {
			return store.PreconditionFailed("version mismatch for key %q: have %d, want %d", key, it.Version, *opts.IfMatchVersion)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, sk)
			return nil
		})
		if err != nil {
			return err
		}
		existed = true
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := a.client.Watch(ctx, txn, sk)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("redis delete raced, retrying")
			continue
		}
		if err != nil {
			return false, err
		}
		return existed, nil
	}
	return false, store.PreconditionFailed("delete contention on key %q", key)
}

// BatchGet fetches all requested keys with one MGET, then fills absent keys
// with nil so the result key set matches the input.
func (a *Adapter) BatchGet(ctx context.Context, scope store.Scope, keys []string) (map[string]*store.Item, error) {
	storageKeys := make([]string, len(keys))
	for i, k := range keys {
		storageKeys[i] = storageKey(scope, k)
	}
	values, err := a.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, store.Internal(err, "batch get items")
	}

	now := syncx.NowMs()
	out := make(map[string]*store.Item, len(keys))
	for i, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		out[k] = nil
		s, ok := values[i].(string)
		if !ok {
			continue
		}
		e, derr := decode([]byte(s))
		if derr != nil {
			return nil, derr
		}
		if it := e.item(k); it.Active(now) {
			out[k] = it
		}
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

// List scans the scope's keyspace, decodes the matching envelopes, drops
// expired ones, sorts by item key and slices the requested page. SCAN gives
// no ordering, so the whole matching set is materialised; scopes are expected
// to stay small enough for that.
func (a *Adapter) List(ctx context.Context, scope store.Scope, opts store.ListOptions) (*store.ListResult, error) {
	pattern := scanPattern(scope, opts.Prefix)

	var storageKeys []string
	iter := a.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		storageKeys = append(storageKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, store.Internal(err, "scan items")
	}
	if len(storageKeys) == 0 {
		return &store.ListResult{}, nil
	}

	values, err := a.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, store.Internal(err, "fetch scanned items")
	}

	now := syncx.NowMs()
	active := make([]store.Item, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired or deleted between SCAN and MGET
		}
		e, derr := decode([]byte(s))
		if derr != nil {
			return nil, derr
		}
		it := e.item(itemKeyFrom(scope, storageKeys[i]))
		if !it.Active(now) {
			continue
		}
		if opts.After != "" && it.Key <= opts.After {
			continue
		}
		active = append(active, *it)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Key < active[j].Key })

	more := len(active) > opts.Limit
	if more {
		active = active[:opts.Limit]
	}
	return &store.ListResult{Items: active, More: more}, nil
}

// Health pings the server.
func (a *Adapter) Health(ctx context.Context) store.HealthStatus {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return store.HealthStatus{OK: false, Details: err.Error()}
	}
	return store.HealthStatus{OK: true}
}

// Close closes the client. Safe to call more than once.
func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
