package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/store/sqlite"
)

func newTestServer(t *testing.T, authCfg auth.Config) *httptest.Server {
	t.Helper()

	adapter, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	authn, err := auth.New(authCfg)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	srv := &Server{Store: store.NewService(adapter, store.Limits{}), Auth: authn}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func openAuth() auth.Config {
	return auth.Config{Mode: auth.ModeOpen, DefaultTenantID: "acme", DefaultUserID: "u1"}
}

func doReq(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errCodeOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	readJSON(t, resp, &body)
	return body.Error.Code
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "GET", ts.URL+"/v1/healthz", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var hb struct {
		OK bool `json:"ok"`
	}
	readJSON(t, resp, &hb)
	if !hb.OK {
		t.Fatal("healthz ok=false")
	}

	resp = doReq(t, "GET", ts.URL+"/v1/readyz", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPutGetConditionalUpdateFlow(t *testing.T) {
	ts := newTestServer(t, openAuth())

	// create
	resp := doReq(t, "PUT", ts.URL+"/v1/items/flags/beta", `{"enabled":true}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("ETag"); got != `"1"` {
		t.Fatalf("put etag header = %s", got)
	}
	var meta struct {
		Key     string `json:"key"`
		ETag    string `json:"etag"`
		Version int64  `json:"version"`
	}
	readJSON(t, resp, &meta)
	if meta.Key != "flags/beta" || meta.Version != 1 || meta.ETag != `"1"` {
		t.Fatalf("put meta = %+v", meta)
	}

	// read back: raw value body with metadata headers
	resp = doReq(t, "GET", ts.URL+"/v1/items/flags/beta", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("ETag"); got != `"1"` {
		t.Fatalf("get etag = %s", got)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(bytes.TrimSpace(body)) != `{"enabled":true}` {
		t.Fatalf("get body = %s", body)
	}

	// conditional update succeeds with the current etag
	resp = doReq(t, "PUT", ts.URL+"/v1/items/flags/beta", `{"enabled":false}`, map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != 200 {
		t.Fatalf("conditional put status = %d", resp.StatusCode)
	}
	readJSON(t, resp, &meta)
	if meta.Version != 2 {
		t.Fatalf("version after update = %d", meta.Version)
	}

	// stale etag is rejected and mutates nothing
	resp = doReq(t, "PUT", ts.URL+"/v1/items/flags/beta", `{"enabled":true}`, map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("stale put status = %d", resp.StatusCode)
	}
	if code := errCodeOf(t, resp); code != "PRECONDITION_FAILED" {
		t.Fatalf("stale put code = %s", code)
	}

	resp = doReq(t, "GET", ts.URL+"/v1/items/flags/beta", "", nil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(bytes.TrimSpace(body)) != `{"enabled":false}` {
		t.Fatalf("value after failed put = %s", body)
	}
}

func TestGetAndDeleteMissing(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "GET", ts.URL+"/v1/items/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing status = %d", resp.StatusCode)
	}
	if code := errCodeOf(t, resp); code != "NOT_FOUND" {
		t.Fatalf("get missing code = %s", code)
	}

	resp = doReq(t, "DELETE", ts.URL+"/v1/items/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeleteFlow(t *testing.T) {
	ts := newTestServer(t, openAuth())

	doReq(t, "PUT", ts.URL+"/v1/items/tmp", `1`, nil).Body.Close()

	resp := doReq(t, "DELETE", ts.URL+"/v1/items/tmp", "", map[string]string{"If-Match": `"9"`})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("stale delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, "DELETE", ts.URL+"/v1/items/tmp", "", map[string]string{"If-Match": `"1"`})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, "GET", ts.URL+"/v1/items/tmp", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTTLExpiry(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "PUT", ts.URL+"/v1/items/session?ttlSeconds=1", `{"ok":true}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	var meta struct {
		ExpiresAt *string `json:"expiresAt"`
	}
	readJSON(t, resp, &meta)
	if meta.ExpiresAt == nil {
		t.Fatal("expiresAt missing from put response")
	}

	resp = doReq(t, "GET", ts.URL+"/v1/items/session", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get before expiry status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Expires-At") == "" {
		t.Fatal("X-Expires-At header missing")
	}
	resp.Body.Close()

	time.Sleep(1100 * time.Millisecond)

	resp = doReq(t, "GET", ts.URL+"/v1/items/session", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after expiry status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// a rewrite starts over at version 1
	resp = doReq(t, "PUT", ts.URL+"/v1/items/session", `{"ok":false}`, nil)
	var m2 struct {
		Version int64 `json:"version"`
	}
	readJSON(t, resp, &m2)
	if m2.Version != 1 {
		t.Fatalf("version after expiry rewrite = %d", m2.Version)
	}

	// ttl validation
	resp = doReq(t, "PUT", ts.URL+"/v1/items/x?ttlSeconds=0", `1`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ttl=0 status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doReq(t, "PUT", ts.URL+"/v1/items/x?ttlSeconds=abc", `1`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ttl=abc status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListPagination(t *testing.T) {
	ts := newTestServer(t, openAuth())

	for _, k := range []string{"a", "b", "c", "d"} {
		doReq(t, "PUT", ts.URL+"/v1/items/"+k, `1`, nil).Body.Close()
	}

	var page struct {
		Items []struct {
			Key  string `json:"key"`
			ETag string `json:"etag"`
		} `json:"items"`
		NextCursor *string `json:"nextCursor"`
	}

	resp := doReq(t, "GET", ts.URL+"/v1/items?limit=2", "", nil)
	readJSON(t, resp, &page)
	if len(page.Items) != 2 || page.Items[0].Key != "a" || page.Items[1].Key != "b" {
		t.Fatalf("first page = %+v", page.Items)
	}
	if page.NextCursor == nil {
		t.Fatal("first page has no cursor")
	}
	if page.Items[0].ETag != `"1"` {
		t.Fatalf("list etag = %s", page.Items[0].ETag)
	}

	resp = doReq(t, "GET", ts.URL+"/v1/items?limit=2&cursor="+*page.NextCursor, "", nil)
	readJSON(t, resp, &page)
	if len(page.Items) != 2 || page.Items[0].Key != "c" || page.Items[1].Key != "d" {
		t.Fatalf("second page = %+v", page.Items)
	}
	if page.NextCursor != nil {
		t.Fatalf("final page cursor = %q", *page.NextCursor)
	}

	resp = doReq(t, "GET", ts.URL+"/v1/items?limit=abc", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, "GET", ts.URL+"/v1/items?cursor=!!!", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBatchEndpoints(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "POST", ts.URL+"/v1/items:batchPut",
		`{"entries":[{"key":"a","value":1},{"key":"b","value":2,"ttlSeconds":60}]}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("batchPut status = %d", resp.StatusCode)
	}
	var putResp struct {
		Items map[string]struct {
			ETag      string  `json:"etag"`
			Version   int64   `json:"version"`
			ExpiresAt *string `json:"expiresAt"`
		} `json:"items"`
	}
	readJSON(t, resp, &putResp)
	if putResp.Items["a"].Version != 1 || putResp.Items["b"].ExpiresAt == nil {
		t.Fatalf("batchPut items = %+v", putResp.Items)
	}

	resp = doReq(t, "POST", ts.URL+"/v1/items:batchGet", `{"keys":["a","b","c"]}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("batchGet status = %d", resp.StatusCode)
	}
	var getResp struct {
		Items map[string]*struct {
			Value json.RawMessage `json:"value"`
			ETag  string          `json:"etag"`
		} `json:"items"`
	}
	readJSON(t, resp, &getResp)
	if len(getResp.Items) != 3 {
		t.Fatalf("batchGet returned %d entries", len(getResp.Items))
	}
	if getResp.Items["a"] == nil || string(getResp.Items["a"].Value) != `1` {
		t.Fatalf("batchGet a = %+v", getResp.Items["a"])
	}
	if v, present := getResp.Items["c"]; !present || v != nil {
		t.Fatalf("batchGet c = %+v present=%v", v, present)
	}

	// empty batches are rejected
	resp = doReq(t, "POST", ts.URL+"/v1/items:batchGet", `{"keys":[]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batchGet status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "PUT", ts.URL+"/v1/items/bad", `{not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid value status = %d", resp.StatusCode)
	}
	if code := errCodeOf(t, resp); code != "VALIDATION_ERROR" {
		t.Fatalf("invalid value code = %s", code)
	}

	longKey := strings.Repeat("k", 256)
	resp = doReq(t, "PUT", ts.URL+"/v1/items/"+longKey, `1`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("long key status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// malformed If-Match is a precondition failure, not validation
	doReq(t, "PUT", ts.URL+"/v1/items/k", `1`, nil).Body.Close()
	resp = doReq(t, "PUT", ts.URL+"/v1/items/k", `2`, map[string]string{"If-Match": "abc"})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("bad if-match status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStaticAuthRequired(t *testing.T) {
	ts := newTestServer(t, auth.Config{
		Mode:            auth.ModeStatic,
		StaticToken:     "sekrit",
		DefaultTenantID: "acme",
		DefaultUserID:   "u1",
	})

	resp := doReq(t, "GET", ts.URL+"/v1/items", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if code := errCodeOf(t, resp); code != "UNAUTHORIZED" {
		t.Fatalf("unauthenticated code = %s", code)
	}

	resp = doReq(t, "GET", ts.URL+"/v1/items", "", map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != 200 {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// healthz stays open
	resp = doReq(t, "GET", ts.URL+"/v1/healthz", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestScopeHeaderIsolation(t *testing.T) {
	ts := newTestServer(t, openAuth())

	doReq(t, "PUT", ts.URL+"/v1/items/k", `"mine"`, nil).Body.Close()

	resp := doReq(t, "GET", ts.URL+"/v1/items/k", "", map[string]string{auth.HeaderUserID: "someone-else"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, "GET", ts.URL+"/v1/items/k", "", map[string]string{auth.HeaderTenantID: "globex"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant get status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCorrelationHeader(t *testing.T) {
	ts := newTestServer(t, openAuth())

	resp := doReq(t, "GET", ts.URL+"/v1/healthz", "", map[string]string{"X-Correlation-ID": "abc-123"})
	if got := resp.Header.Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("echoed correlation id = %q", got)
	}
	resp.Body.Close()

	resp = doReq(t, "GET", ts.URL+"/v1/healthz", "", nil)
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Fatal("no generated correlation id")
	}
	resp.Body.Close()
}
