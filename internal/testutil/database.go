package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"labport/internal/database"
)

// PostgresDSNEnv names the environment variable holding a scratch PostgreSQL DSN.
// Tests that need PostgreSQL are skipped when it is unset.
const PostgresDSNEnv = "LABPORT_TEST_POSTGRES_DSN"

// NewTestStore opens a migrated SQLite destination in a temp directory.
// The store is closed when the test completes.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()

	store, err := database.OpenSQLite(filepath.Join(t.TempDir(), "labport.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewPostgresTestStore opens the PostgreSQL destination named by PostgresDSNEnv,
// skipping the test when none is configured.
func NewPostgresTestStore(t *testing.T) *database.Store {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	store, err := database.OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
