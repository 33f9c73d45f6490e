package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/erauner12/prefstore-api/internal/syncx"
)

// Limits bounds request shapes before they reach a backend.
type Limits struct {
	MaxKeyLength     int // bytes of key, default 255
	MaxValueBytes    int // bytes of canonical JSON, default 1 MiB
	MaxBatchSize     int // entries per batch call, default 100
	MaxListLimit     int // page size ceiling, default 100
	DefaultListLimit int // page size when the caller omits one, default 50
}

// DefaultLimits returns the standard limit set.
func DefaultLimits() Limits {
	return Limits{
		MaxKeyLength:     255,
		MaxValueBytes:    1 << 20,
		MaxBatchSize:     100,
		MaxListLimit:     100,
		DefaultListLimit: 50,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxKeyLength <= 0 {
		l.MaxKeyLength = d.MaxKeyLength
	}
	if l.MaxValueBytes <= 0 {
		l.MaxValueBytes = d.MaxValueBytes
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = d.MaxBatchSize
	}
	if l.MaxListLimit <= 0 {
		l.MaxListLimit = d.MaxListLimit
	}
	if l.DefaultListLimit <= 0 {
		l.DefaultListLimit = d.DefaultListLimit
	}
	return l
}

// BatchEntry is one write within Service.BatchPut, with the If-Match value
// still in wire form.
type BatchEntry struct {
	Key        string
	Value      json.RawMessage
	TTLSeconds *int64
	IfMatch    string
}

// Page is one page of a list operation with its encoded continuation cursor.
type Page struct {
	Items      []Item
	NextCursor *string
}

// Service validates inputs and orchestrates adapter calls. It is stateless
// given its adapter and safe for concurrent use.
type Service struct {
	adapter Adapter
	limits  Limits
}

// NewService wraps an adapter with validation. Zero fields in limits fall
// back to the defaults.
func NewService(adapter Adapter, limits Limits) *Service {
	return &Service{adapter: adapter, limits: limits.withDefaults()}
}

// Limits returns the effective limit set.
func (s *Service) Limits() Limits { return s.limits }

func (s *Service) validateScope(scope Scope) error {
	if !scope.Valid() {
		return Invalid("scope requires tenantId, namespace and userId")
	}
	return nil
}

func (s *Service) validateKey(key string) error {
	if key == "" {
		return Invalid("key must not be empty")
	}
	if len(key) > s.limits.MaxKeyLength {
		return Invalid("key exceeds maximum length of %d", s.limits.MaxKeyLength)
	}
	return nil
}

// canonicalValue verifies the value is well-formed JSON and returns its
// canonical (compact) serialisation, whose UTF-8 byte length is the measured
// size.
func (s *Service) canonicalValue(value json.RawMessage) (json.RawMessage, error) {
	if len(value) == 0 {
		return nil, Invalid("value must be a JSON document")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, Invalid("value is not valid JSON")
	}
	if buf.Len() > s.limits.MaxValueBytes {
		return nil, Invalid("value exceeds maximum size of %d bytes", s.limits.MaxValueBytes)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func validateTTL(ttlSeconds *int64) (int64, error) {
	if ttlSeconds == nil {
		return 0, nil
	}
	if *ttlSeconds < 1 {
		return 0, Invalid("ttlSeconds must be a positive integer")
	}
	return *ttlSeconds, nil
}

// parseIfMatch turns the wire If-Match value into a version precondition. An
// absent or empty value means no precondition; a malformed one is a
// precondition failure, not a validation error.
func parseIfMatch(raw string) (*int64, error) {
	v, ok, err := syncx.ParseIfMatch(raw)
	if err != nil {
		return nil, PreconditionFailed("invalid If-Match value %q", raw)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// GetItem returns the active item or nil.
func (s *Service) GetItem(ctx context.Context, scope Scope, key string) (*Item, error) {
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	return s.adapter.Get(ctx, scope, key)
}

// SetItem validates and writes one item.
func (s *Service) SetItem(ctx context.Context, scope Scope, key string, value json.RawMessage, ttlSeconds *int64, ifMatch string) (*Item, error) {
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	canonical, err := s.canonicalValue(value)
	if err != nil {
		return nil, err
	}
	ttl, err := validateTTL(ttlSeconds)
	if err != nil {
		return nil, err
	}
	match, err := parseIfMatch(ifMatch)
	if err != nil {
		return nil, err
	}
	return s.adapter.Put(ctx, scope, key, canonical, PutOptions{TTLSeconds: ttl, IfMatchVersion: match})
}

// RemoveItem deletes one item, returning true iff an active item existed.
func (s *Service) RemoveItem(ctx context.Context, scope Scope, key string, ifMatch string) (bool, error) {
	if err := s.validateScope(scope); err != nil {
		return false, err
	}
	if err := s.validateKey(key); err != nil {
		return false, err
	}
	match, err := parseIfMatch(ifMatch)
	if err != nil {
		return false, err
	}
	return s.adapter.Delete(ctx, scope, key, DeleteOptions{IfMatchVersion: match})
}

// BatchGet fetches up to MaxBatchSize keys at once.
func (s *Service) BatchGet(ctx context.Context, scope Scope, keys []string) (map[string]*Item, error) {
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, Invalid("keys must not be empty")
	}
	if len(keys) > s.limits.MaxBatchSize {
		return nil, Invalid("batch exceeds maximum size of %d", s.limits.MaxBatchSize)
	}
	for _, k := range keys {
		if err := s.validateKey(k); err != nil {
			return nil, err
		}
	}
	return s.adapter.BatchGet(ctx, scope, keys)
}

// BatchPut writes up to MaxBatchSize entries in declaration order. A
// mid-batch failure leaves earlier entries committed; callers needing
// all-or-nothing must use per-entry If-Match and reconcile.
func (s *Service) BatchPut(ctx context.Context, scope Scope, entries []BatchEntry) (map[string]*Item, error) {
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, Invalid("entries must not be empty")
	}
	if len(entries) > s.limits.MaxBatchSize {
		return nil, Invalid("batch exceeds maximum size of %d", s.limits.MaxBatchSize)
	}

	puts := make([]PutEntry, 0, len(entries))
	for _, e := range entries {
		if err := s.validateKey(e.Key); err != nil {
			return nil, err
		}
		canonical, err := s.canonicalValue(e.Value)
		if err != nil {
			return nil, err
		}
		ttl, err := validateTTL(e.TTLSeconds)
		if err != nil {
			return nil, err
		}
		match, err := parseIfMatch(e.IfMatch)
		if err != nil {
			return nil, err
		}
		puts = append(puts, PutEntry{
			Key:     e.Key,
			Value:   canonical,
			Options: PutOptions{TTLSeconds: ttl, IfMatchVersion: match},
		})
	}
	return s.adapter.BatchPut(ctx, scope, puts)
}

// List returns a page of active items. limit is clamped to
// [1, MaxListLimit]; nil means the default page size.
func (s *Service) List(ctx context.Context, scope Scope, prefix, cursor string, limit *int) (*Page, error) {
	if err := s.validateScope(scope); err != nil {
		return nil, err
	}
	if len(prefix) > s.limits.MaxKeyLength {
		return nil, Invalid("prefix exceeds maximum length of %d", s.limits.MaxKeyLength)
	}

	n := s.limits.DefaultListLimit
	if limit != nil {
		n = *limit
		if n < 1 {
			n = 1
		}
		if n > s.limits.MaxListLimit {
			n = s.limits.MaxListLimit
		}
	}

	after := ""
	if cursor != "" {
		decoded, ok := syncx.DecodeCursor(cursor)
		if !ok {
			return nil, Invalid("cursor is malformed")
		}
		after = decoded
	}

	res, err := s.adapter.List(ctx, scope, ListOptions{Prefix: prefix, After: after, Limit: n})
	if err != nil {
		return nil, err
	}

	page := &Page{Items: res.Items}
	if res.More && len(res.Items) > 0 {
		encoded := syncx.EncodeCursor(res.Items[len(res.Items)-1].Key)
		page.NextCursor = &encoded
	}
	return page, nil
}

// Health passes through to the adapter.
func (s *Service) Health(ctx context.Context) HealthStatus {
	return s.adapter.Health(ctx)
}

// Close releases the adapter's backend resources.
func (s *Service) Close() error {
	return s.adapter.Close()
}
