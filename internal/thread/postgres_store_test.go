package thread

import (
	"context"
	"os"
	"testing"
)

// Set CAREASSIST_TEST_POSTGRES_URL to run against a live database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CAREASSIST_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("CAREASSIST_TEST_POSTGRES_URL not set")
	}

	runStoreTests(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgresStore(ctx, dsn)
		if err != nil {
			t.Fatalf("OpenPostgresStore: %v", err)
		}
		if _, err := s.pool.Exec(ctx, `TRUNCATE chat_threads CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
