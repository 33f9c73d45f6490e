// Package store defines the data model and adapter contract for the
// multi-tenant JSON key-value store, plus the validating service that sits in
// front of the storage backends.
//
// Every backend (sqlite, libsql, postgres, redis) implements Adapter with
// identical observable semantics: versioned items, If-Match preconditions,
// lazy TTL expiry, and cursor-based prefix listing in ascending key order.
package store

import (
	"context"
	"encoding/json"

	"github.com/erauner12/prefstore-api/internal/syncx"
)

// Scope is the 3-tuple that isolates items. Different scopes are never
// observable to each other.
type Scope struct {
	TenantID  string
	Namespace string
	UserID    string
}

// Valid reports whether all three scope components are present.
func (s Scope) Valid() bool {
	return s.TenantID != "" && s.Namespace != "" && s.UserID != ""
}

// Item is a stored JSON value with its version and lifecycle timestamps.
// Timestamps are Unix milliseconds; the HTTP layer renders RFC3339.
type Item struct {
	Key         string
	Value       json.RawMessage
	Version     int64
	CreatedAtMs int64
	UpdatedAtMs int64
	ExpiresAtMs *int64 // nil = never expires
}

// ETag returns the quoted decimal form of the version, byte-for-byte the
// concurrency token clients see on the wire.
func (it *Item) ETag() string {
	return syncx.ETag(it.Version)
}

// Active reports whether the item is visible at the given instant. An item
// whose expiry has passed is observably absent even if the row still exists.
func (it *Item) Active(nowMs int64) bool {
	return it.ExpiresAtMs == nil || *it.ExpiresAtMs > nowMs
}

// PutOptions carries the per-write TTL and precondition.
type PutOptions struct {
	// TTLSeconds sets expiry to now+TTL. Zero means no expiry; an update
	// without TTL clears any prior expiry.
	TTLSeconds int64
	// IfMatchVersion, when non-nil, requires the current active version to
	// equal this value or the write fails with PRECONDITION_FAILED.
	IfMatchVersion *int64
}

// DeleteOptions carries the per-delete precondition.
type DeleteOptions struct {
	IfMatchVersion *int64
}

// PutEntry is one write within a BatchPut. Each entry carries its own TTL and
// precondition; the batch is not transactional across entries.
type PutEntry struct {
	Key     string
	Value   json.RawMessage
	Options PutOptions
}

// ListOptions selects a page of active items in ascending key order.
type ListOptions struct {
	// Prefix restricts results to keys starting with it.
	Prefix string
	// After resumes strictly after this key (the decoded cursor).
	After string
	// Limit is the maximum number of items to return. Callers must pass a
	// positive value; the service clamps user input before it gets here.
	Limit int
}

// ListResult is one page of items. More is true iff at least one further
// active key exists beyond the last returned item.
type ListResult struct {
	Items []Item
	More  bool
}

// HealthStatus is the result of a backend round-trip. Health never returns an
// error; failures are conveyed in OK=false with a diagnostic.
type HealthStatus struct {
	OK      bool
	Details string
}

// Adapter is the capability set every storage backend implements. All
// methods are safe for concurrent use. Expired items are invisible to Get,
// BatchGet and List; backends may delete an expired row they encounter.
type Adapter interface {
	// Get returns the active item or nil.
	Get(ctx context.Context, scope Scope, key string) (*Item, error)

	// Put inserts or updates an item. The precondition check and the write
	// are atomic with respect to concurrent writers: version advances by
	// exactly one per successful write, resetting to 1 when the prior row is
	// absent or expired.
	Put(ctx context.Context, scope Scope, key string, value json.RawMessage, opts PutOptions) (*Item, error)

	// Delete removes the item, returning true iff an active item existed.
	// A missing or expired row yields false, never an error; a failed
	// precondition on an active row is PRECONDITION_FAILED.
	Delete(ctx context.Context, scope Scope, key string, opts DeleteOptions) (bool, error)

	// BatchGet returns a mapping with an entry for every requested key;
	// absent or expired items map to nil. The result key set equals the
	// input key set, duplicates included once.
	BatchGet(ctx context.Context, scope Scope, keys []string) (map[string]*Item, error)

	// BatchPut applies Put per entry in declaration order. Not transactional:
	// a mid-batch failure leaves earlier entries committed and surfaces the
	// first error.
	BatchPut(ctx context.Context, scope Scope, entries []PutEntry) (map[string]*Item, error)

	// List returns up to Limit active items ordered by ascending key bytes.
	List(ctx context.Context, scope Scope, opts ListOptions) (*ListResult, error)

	// Health performs a lightweight backend round-trip.
	Health(ctx context.Context) HealthStatus

	// Close releases backend resources. Idempotent.
	Close() error
}
