package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/syncx"
)

// itemMeta is the write acknowledgment: everything about the stored item
// except its value.
type itemMeta struct {
	Key       string  `json:"key"`
	ETag      string  `json:"etag"`
	Version   int64   `json:"version"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
	ExpiresAt *string `json:"expiresAt"`
}

// itemFull is an item with its value, used in batch responses.
type itemFull struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ETag      string          `json:"etag"`
	Version   int64           `json:"version"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
	ExpiresAt *string         `json:"expiresAt"`
}

func metaOf(it *store.Item) itemMeta {
	return itemMeta{
		Key:       it.Key,
		ETag:      it.ETag(),
		Version:   it.Version,
		CreatedAt: syncx.RFC3339(it.CreatedAtMs),
		UpdatedAt: syncx.RFC3339(it.UpdatedAtMs),
		ExpiresAt: expiresAtOf(it),
	}
}

func fullOf(it *store.Item) itemFull {
	return itemFull{
		Key:       it.Key,
		Value:     it.Value,
		ETag:      it.ETag(),
		Version:   it.Version,
		CreatedAt: syncx.RFC3339(it.CreatedAtMs),
		UpdatedAt: syncx.RFC3339(it.UpdatedAtMs),
		ExpiresAt: expiresAtOf(it),
	}
}

func expiresAtOf(it *store.Item) *string {
	if it.ExpiresAtMs == nil {
		return nil
	}
	s := syncx.RFC3339(*it.ExpiresAtMs)
	return &s
}

// itemKey extracts the item key from the wildcard route tail, allowing keys
// that contain slashes.
func itemKey(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", store.Invalid("key is not valid percent-encoding")
	}
	return key, nil
}

func scopeOf(r *http.Request) store.Scope {
	scope, _ := auth.ScopeFromContext(r.Context())
	return scope
}

// PutItem handles PUT /v1/items/{key}. The request body is the JSON value
// itself; ttlSeconds rides in the query and the precondition in If-Match.
func (s *Server) PutItem(w http.ResponseWriter, r *http.Request) {
	key, err := itemKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// slack past the value limit so padding whitespace still reaches the
	// canonicaliser, which enforces the real bound
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.Store.Limits().MaxValueBytes)+4096))
	if err != nil {
		writeError(w, r, store.Internal(err, "read request body"))
		return
	}

	var ttl *int64
	if q := r.URL.Query().Get("ttlSeconds"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, r, store.Invalid("ttlSeconds must be an integer"))
			return
		}
		ttl = &n
	}

	it, err := s.Store.SetItem(r.Context(), scopeOf(r), key, body, ttl, r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", it.ETag())
	writeJSON(w, http.StatusOK, metaOf(it))
}

// GetItem handles GET /v1/items/{key}. The response body is the raw JSON
// value; metadata travels in headers.
func (s *Server) GetItem(w http.ResponseWriter, r *http.Request) {
	key, err := itemKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	it, err := s.Store.GetItem(r.Context(), scopeOf(r), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if it == nil {
		writeError(w, r, store.NotFound("no item for key %q", key))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", it.ETag())
	if exp := expiresAtOf(it); exp != nil {
		w.Header().Set("X-Expires-At", *exp)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(it.Value); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write item value")
	}
}

// DeleteItem handles DELETE /v1/items/{key}.
func (s *Server) DeleteItem(w http.ResponseWriter, r *http.Request) {
	key, err := itemKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	existed, err := s.Store.RemoveItem(r.Context(), scopeOf(r), key, r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !existed {
		writeError(w, r, store.NotFound("no item for key %q", key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchGetRequest struct {
	Keys []string `json:"keys"`
}

type batchGetResponse struct {
	Items map[string]*itemFull `json:"items"`
}

// BatchGetItems handles POST /v1/items:batchGet.
func (s *Server) BatchGetItems(w http.ResponseWriter, r *http.Request) {
	var req batchGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Invalid("invalid JSON body"))
		return
	}

	got, err := s.Store.BatchGet(r.Context(), scopeOf(r), req.Keys)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := batchGetResponse{Items: make(map[string]*itemFull, len(got))}
	for k, it := range got {
		if it == nil {
			resp.Items[k] = nil
			continue
		}
		full := fullOf(it)
		resp.Items[k] = &full
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchPutEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds *int64          `json:"ttlSeconds"`
	IfMatch    string          `json:"ifMatch"`
}

type batchPutRequest struct {
	Entries []batchPutEntry `json:"entries"`
}

type batchPutResponse struct {
	Items map[string]itemMeta `json:"items"`
}

// BatchPutItems handles POST /v1/items:batchPut.
func (s *Server) BatchPutItems(w http.ResponseWriter, r *http.Request) {
	var req batchPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, store.Invalid("invalid JSON body"))
		return
	}

	entries := make([]store.BatchEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, store.BatchEntry{
			Key:        e.Key,
			Value:      e.Value,
			TTLSeconds: e.TTLSeconds,
			IfMatch:    e.IfMatch,
		})
	}

	got, err := s.Store.BatchPut(r.Context(), scopeOf(r), entries)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := batchPutResponse{Items: make(map[string]itemMeta, len(got))}
	for k, it := range got {
		resp.Items[k] = metaOf(it)
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Items      []itemFull `json:"items"`
	NextCursor *string    `json:"nextCursor"`
}

// ListItems handles GET /v1/items.
func (s *Server) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var limit *int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, store.Invalid("limit must be an integer"))
			return
		}
		limit = &n
	}

	page, err := s.Store.List(r.Context(), scopeOf(r), q.Get("prefix"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := listResponse{Items: make([]itemFull, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		resp.Items = append(resp.Items, fullOf(&page.Items[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
