// Package storetest runs a shared conformance suite against any storage
// adapter so every backend exhibits the same observable behaviour.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/erauner12/prefstore-api/internal/store"
)

// Factory builds a fresh, empty adapter for one subtest. Cleanup should be
// registered on t.
type Factory func(t *testing.T) store.Adapter

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Run("PutGetRoundtrip", func(t *testing.T) { testPutGetRoundtrip(t, factory(t)) })
	t.Run("VersionSequence", func(t *testing.T) { testVersionSequence(t, factory(t)) })
	t.Run("IfMatch", func(t *testing.T) { testIfMatch(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("List", func(t *testing.T) { testList(t, factory(t)) })
	t.Run("ScopeIsolation", func(t *testing.T) { testScopeIsolation(t, factory(t)) })
	t.Run("BatchGet", func(t *testing.T) { testBatchGet(t, factory(t)) })
	t.Run("BatchPut", func(t *testing.T) { testBatchPut(t, factory(t)) })
	t.Run("Health", func(t *testing.T) { testHealth(t, factory(t)) })
}

var testScope = store.Scope{TenantID: "acme", Namespace: "prefs", UserID: "u1"}

func mustPut(t *testing.T, a store.Adapter, scope store.Scope, key, value string, opts store.PutOptions) *store.Item {
	t.Helper()
	it, err := a.Put(context.Background(), scope, key, json.RawMessage(value), opts)
	if err != nil {
		t.Fatalf("put %q: %v", key, err)
	}
	return it
}

func mustGet(t *testing.T, a store.Adapter, scope store.Scope, key string) *store.Item {
	t.Helper()
	it, err := a.Get(context.Background(), scope, key)
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	return it
}

func testPutGetRoundtrip(t *testing.T, a store.Adapter) {
	put := mustPut(t, a, testScope, "theme", `{"mode":"dark"}`, store.PutOptions{})
	if put.Version != 1 {
		t.Fatalf("first write version = %d, want 1", put.Version)
	}
	if put.ETag() != `"1"` {
		t.Fatalf("etag = %s, want %q", put.ETag(), `"1"`)
	}

	got := mustGet(t, a, testScope, "theme")
	if got == nil {
		t.Fatal("get returned nil for existing key")
	}
	if string(got.Value) != `{"mode":"dark"}` {
		t.Fatalf("value = %s", got.Value)
	}
	if got.Version != 1 || got.ExpiresAtMs != nil {
		t.Fatalf("item = %+v", got)
	}
	if got.CreatedAtMs == 0 || got.UpdatedAtMs < got.CreatedAtMs {
		t.Fatalf("timestamps = created %d updated %d", got.CreatedAtMs, got.UpdatedAtMs)
	}

	if it := mustGet(t, a, testScope, "missing"); it != nil {
		t.Fatalf("get missing key = %+v, want nil", it)
	}
}

func testVersionSequence(t *testing.T, a store.Adapter) {
	for want := int64(1); want <= 4; want++ {
		it := mustPut(t, a, testScope, "counter", fmt.Sprintf(`{"n":%d}`, want), store.PutOptions{})
		if it.Version != want {
			t.Fatalf("write %d produced version %d", want, it.Version)
		}
	}
	created := mustGet(t, a, testScope, "counter").CreatedAtMs
	it := mustPut(t, a, testScope, "counter", `{"n":5}`, store.PutOptions{})
	if it.CreatedAtMs != created {
		t.Fatalf("createdAt changed across updates: %d -> %d", created, it.CreatedAtMs)
	}
}

func testIfMatch(t *testing.T, a store.Adapter) {
	v := int64(1)
	mustPut(t, a, testScope, "doc", `{"rev":"a"}`, store.PutOptions{})

	it := mustPut(t, a, testScope, "doc", `{"rev":"b"}`, store.PutOptions{IfMatchVersion: &v})
	if it.Version != 2 {
		t.Fatalf("matched write version = %d, want 2", it.Version)
	}

	stale := int64(1)
	_, err := a.Put(context.Background(), testScope, "doc", json.RawMessage(`{"rev":"c"}`), store.PutOptions{IfMatchVersion: &stale})
	if !store.IsPrecondition(err) {
		t.Fatalf("stale write error = %v, want precondition failure", err)
	}
	if got := mustGet(t, a, testScope, "doc"); string(got.Value) != `{"rev":"b"}` {
		t.Fatalf("failed write mutated value: %s", got.Value)
	}

	_, err = a.Put(context.Background(), testScope, "ghost", json.RawMessage(`{}`), store.PutOptions{IfMatchVersion: &v})
	if !store.IsPrecondition(err) {
		t.Fatalf("if-match on missing key error = %v, want precondition failure", err)
	}
}

func testDelete(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	mustPut(t, a, testScope, "tmp", `1`, store.PutOptions{})

	stale := int64(9)
	if _, err := a.Delete(ctx, testScope, "tmp", store.DeleteOptions{IfMatchVersion: &stale}); !store.IsPrecondition(err) {
		t.Fatalf("stale delete error = %v, want precondition failure", err)
	}

	ok, err := a.Delete(ctx, testScope, "tmp", store.DeleteOptions{})
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v; want true, nil", ok, err)
	}
	ok, err = a.Delete(ctx, testScope, "tmp", store.DeleteOptions{})
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v; want false, nil", ok, err)
	}

	// a recreated key starts a fresh version history
	if it := mustPut(t, a, testScope, "tmp", `2`, store.PutOptions{}); it.Version != 1 {
		t.Fatalf("recreated version = %d, want 1", it.Version)
	}
}

func testTTL(t *testing.T, a store.Adapter) {
	ctx := context.Background()

	it := mustPut(t, a, testScope, "session", `{"token":"x"}`, store.PutOptions{TTLSeconds: 1})
	if it.ExpiresAtMs == nil || *it.ExpiresAtMs <= it.UpdatedAtMs {
		t.Fatalf("expiry not set: %+v", it)
	}
	if got := mustGet(t, a, testScope, "session"); got == nil {
		t.Fatal("item invisible before expiry")
	}

	// an update without TTL clears the pending expiry
	kept := mustPut(t, a, testScope, "keep", `1`, store.PutOptions{TTLSeconds: 1})
	if kept.ExpiresAtMs == nil {
		t.Fatal("expiry not set on keep")
	}
	kept = mustPut(t, a, testScope, "keep", `2`, store.PutOptions{})
	if kept.ExpiresAtMs != nil {
		t.Fatalf("update without ttl kept expiry: %+v", kept)
	}

	time.Sleep(1100 * time.Millisecond)

	if got := mustGet(t, a, testScope, "session"); got != nil {
		t.Fatalf("expired item still visible: %+v", got)
	}
	ok, err := a.Delete(ctx, testScope, "session", store.DeleteOptions{})
	if err != nil || ok {
		t.Fatalf("delete of expired item = %v, %v; want false, nil", ok, err)
	}
	if got := mustGet(t, a, testScope, "keep"); got == nil {
		t.Fatal("item with cleared ttl expired anyway")
	}

	// writing over an expired row starts over at version 1
	mustPut(t, a, testScope, "reborn", `1`, store.PutOptions{TTLSeconds: 1})
	time.Sleep(1100 * time.Millisecond)
	if it := mustPut(t, a, testScope, "reborn", `2`, store.PutOptions{}); it.Version != 1 {
		t.Fatalf("write over expired row version = %d, want 1", it.Version)
	}
}

func testList(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1", "b/2"} {
		mustPut(t, a, testScope, k, `{}`, store.PutOptions{})
	}

	res, err := a.List(ctx, testScope, store.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Items) != 5 || res.More {
		t.Fatalf("list all = %d items, more=%v", len(res.Items), res.More)
	}
	for i := 1; i < len(res.Items); i++ {
		if res.Items[i-1].Key >= res.Items[i].Key {
			t.Fatalf("keys out of order: %q before %q", res.Items[i-1].Key, res.Items[i].Key)
		}
	}

	res, err = a.List(ctx, testScope, store.ListOptions{Prefix: "a/", Limit: 2})
	if err != nil {
		t.Fatalf("list prefix: %v", err)
	}
	if len(res.Items) != 2 || !res.More {
		t.Fatalf("first page = %d items, more=%v", len(res.Items), res.More)
	}
	if res.Items[0].Key != "a/1" || res.Items[1].Key != "a/2" {
		t.Fatalf("first page keys = %q, %q", res.Items[0].Key, res.Items[1].Key)
	}

	res, err = a.List(ctx, testScope, store.ListOptions{Prefix: "a/", After: "a/2", Limit: 2})
	if err != nil {
		t.Fatalf("list resume: %v", err)
	}
	if len(res.Items) != 1 || res.More {
		t.Fatalf("second page = %d items, more=%v", len(res.Items), res.More)
	}
	if res.Items[0].Key != "a/3" {
		t.Fatalf("second page key = %q", res.Items[0].Key)
	}

	// exactly-full page with nothing after it must not claim more
	res, err = a.List(ctx, testScope, store.ListOptions{Prefix: "b/", Limit: 2})
	if err != nil {
		t.Fatalf("list exact: %v", err)
	}
	if len(res.Items) != 2 || res.More {
		t.Fatalf("exact page = %d items, more=%v", len(res.Items), res.More)
	}

	res, err = a.List(ctx, testScope, store.ListOptions{Prefix: "zzz", Limit: 5})
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(res.Items) != 0 || res.More {
		t.Fatalf("empty list = %d items, more=%v", len(res.Items), res.More)
	}
}

func testScopeIsolation(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	other := store.Scope{TenantID: "acme", Namespace: "prefs", UserID: "u2"}
	otherTenant := store.Scope{TenantID: "globex", Namespace: "prefs", UserID: "u1"}

	mustPut(t, a, testScope, "shared-key", `"mine"`, store.PutOptions{})
	mustPut(t, a, other, "shared-key", `"theirs"`, store.PutOptions{})

	if got := mustGet(t, a, testScope, "shared-key"); string(got.Value) != `"mine"` {
		t.Fatalf("scope leak: %s", got.Value)
	}
	if got := mustGet(t, a, otherTenant, "shared-key"); got != nil {
		t.Fatalf("cross-tenant read returned %+v", got)
	}

	res, err := a.List(ctx, otherTenant, store.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("cross-tenant list returned %d items", len(res.Items))
	}
}

func testBatchGet(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	mustPut(t, a, testScope, "k1", `1`, store.PutOptions{})
	mustPut(t, a, testScope, "k2", `2`, store.PutOptions{})

	got, err := a.BatchGet(ctx, testScope, []string{"k1", "k2", "k3", "k1"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("result has %d entries, want 3", len(got))
	}
	if got["k1"] == nil || string(got["k1"].Value) != `1` {
		t.Fatalf("k1 = %+v", got["k1"])
	}
	if got["k2"] == nil || string(got["k2"].Value) != `2` {
		t.Fatalf("k2 = %+v", got["k2"])
	}
	if v, present := got["k3"]; !present || v != nil {
		t.Fatalf("k3 = %+v present=%v, want nil entry", v, present)
	}
}

func testBatchPut(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	entries := []store.PutEntry{
		{Key: "p1", Value: json.RawMessage(`{"a":1}`)},
		{Key: "p2", Value: json.RawMessage(`{"b":2}`), Options: store.PutOptions{TTLSeconds: 60}},
	}
	got, err := a.BatchPut(ctx, testScope, entries)
	if err != nil {
		t.Fatalf("batch put: %v", err)
	}
	if got["p1"].Version != 1 || got["p2"].Version != 1 {
		t.Fatalf("batch versions = %d, %d", got["p1"].Version, got["p2"].Version)
	}
	if got["p2"].ExpiresAtMs == nil {
		t.Fatal("ttl entry has no expiry")
	}

	// mid-batch precondition failure leaves the earlier write committed
	stale := int64(7)
	_, err = a.BatchPut(ctx, testScope, []store.PutEntry{
		{Key: "p3", Value: json.RawMessage(`3`)},
		{Key: "p1", Value: json.RawMessage(`9`), Options: store.PutOptions{IfMatchVersion: &stale}},
	})
	if !store.IsPrecondition(err) {
		t.Fatalf("batch error = %v, want precondition failure", err)
	}
	if it := mustGet(t, a, testScope, "p3"); it == nil {
		t.Fatal("earlier batch entry rolled back")
	}
	if it := mustGet(t, a, testScope, "p1"); string(it.Value) != `{"a":1}` {
		t.Fatalf("failed entry mutated value: %s", it.Value)
	}
}

func testHealth(t *testing.T, a store.Adapter) {
	if hs := a.Health(context.Background()); !hs.OK {
		t.Fatalf("health not ok: %s", hs.Details)
	}
}
