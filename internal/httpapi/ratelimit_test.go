package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/store/sqlite"
)

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(2, 100) // fast refill so the test stays quick

	for i := 0; i < 2; i++ {
		if ok, _, _ := tb.Allow(); !ok {
			t.Fatalf("burst request %d denied", i+1)
		}
	}
	if ok, _, _ := tb.Allow(); ok {
		t.Fatal("request beyond burst allowed")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _, _ := tb.Allow(); !ok {
		t.Fatal("request after refill denied")
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)

	if ok, _, _ := rl.Allow("acme/u1"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _, _ := rl.Allow("acme/u1"); ok {
		t.Fatal("second request allowed despite empty bucket")
	}
	// a different caller has its own bucket
	if ok, _, _ := rl.Allow("acme/u2"); !ok {
		t.Fatal("other caller denied")
	}
}

func TestRateLimitMiddleware429(t *testing.T) {
	adapter, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	authn, err := auth.New(openAuth())
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	srv := &Server{
		Store:          store.NewService(adapter, store.Limits{}),
		Auth:           authn,
		RateLimitRPS:   0.001, // effectively no refill during the test
		RateLimitBurst: 2,
	}
	router := srv.Routes()

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest("GET", "/v1/items", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Header().Get("X-RateLimit-Burst") == "" {
			t.Errorf("request %d: X-RateLimit-Burst header missing", i)
		}

		if i <= 2 {
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d status = %d, want 200", i, rec.Code)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d status = %d, want 429", i, rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("429 response missing Retry-After")
		}
	}

	// health endpoints bypass the limiter
	req := httptest.NewRequest("GET", "/v1/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}
