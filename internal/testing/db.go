// Package testing provides testing utilities and helpers for the marketfabric project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/database"
	"github.com/aristath/marketfabric/internal/storage"
)

// NewTestDB creates a temporary-file SQLite database for testing.
// Returns the database instance and an idempotent cleanup function.
// Temporary files (rather than :memory:) keep each test isolated while
// still exercising the WAL configuration used in production.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	closed := false
	cleanup := func() {
		if !closed {
			closed = true
			_ = db.Close()
		}
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	}

	return db, cleanup
}

// NewTestStore creates an embedded store backed by a temporary database,
// with the schema applied. The cleanup function closes and removes it.
func NewTestStore(t *testing.T) (*storage.SQLiteStore, func()) {
	t.Helper()

	db, cleanup := NewTestDB(t, "store")
	store, err := storage.NewSQLiteStore(db, zerolog.Nop())
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, cleanup
}
