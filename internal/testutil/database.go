package testutil

import (
	"path/filepath"
	"testing"

	"cba-go/internal/cba"
	"cba-go/internal/database"
)

// NewTestDatabase creates an in-memory index with the schema applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock cba.Clock) *database.SQLiteDatabase {
	t.Helper()
	return NewTestIndexStore(t, database.MemoryPath, clock).Primary()
}

// NewTestIndexStore opens an index store at path with migrations applied.
// Pass database.MemoryPath for a shared in-memory index, or use
// NewTempIndexStore for a file-backed one with independent handles.
func NewTestIndexStore(t *testing.T, path string, clock cba.Clock) *database.IndexStore {
	t.Helper()

	store, err := database.NewIndexStoreFromConfig(path, clock, NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open index store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTempIndexStore opens a file-backed index store in a temp directory.
func NewTempIndexStore(t *testing.T, clock cba.Clock) *database.IndexStore {
	t.Helper()
	return NewTestIndexStore(t, filepath.Join(t.TempDir(), "index.db"), clock)
}
