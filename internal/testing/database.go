package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/studioos/db"
)

// CreateTestDB creates a migrated SQLite database in the test's temp dir.
// A file database (not :memory:) lets pooled connections share state,
// which the worker pool and orchestrator rely on.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "studioos-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
