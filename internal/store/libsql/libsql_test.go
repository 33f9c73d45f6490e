package libsql

import (
	"context"
	"os"
	"testing"

	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/store/storetest"
)

// TestAdapter needs a reachable sqld server, e.g.
//
//	LIBSQL_TEST_URL=http://127.0.0.1:8080 go test ./internal/store/libsql
func TestAdapter(t *testing.T) {
	url := os.Getenv("LIBSQL_TEST_URL")
	if url == "" {
		t.Skip("LIBSQL_TEST_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Adapter {
		t.Helper()
		ctx := context.Background()
		a, err := Open(ctx, url)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		// the suite always writes under these tenants; start each subtest clean
		if _, err := a.db.ExecContext(ctx, `DELETE FROM items WHERE tenant_id IN ('acme', 'globex')`); err != nil {
			t.Fatalf("reset: %v", err)
		}
		t.Cleanup(func() { a.Close() })
		return a
	})
}
