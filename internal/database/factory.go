package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cba-go/internal/cba"
)

// MemoryPath selects an in-memory index.
const MemoryPath = ":memory:"

// IndexStore owns the on-disk index and hands out independent handles on it.
// An in-memory index exists on a single connection, so every handle shares it.
type IndexStore struct {
	path  string
	clock cba.Clock
	idgen cba.IDGenerator

	mu      sync.Mutex
	primary *SQLiteDatabase
}

// NewIndexStoreFromConfig opens the index at indexPath and applies pending migrations.
func NewIndexStoreFromConfig(indexPath string, clock cba.Clock, idgen cba.IDGenerator) (*IndexStore, error) {
	if indexPath == "" {
		return nil, fmt.Errorf("%w: index_path required", cba.ErrConfiguration)
	}
	if indexPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}

	db, err := NewSQLiteDatabase(indexPath, clock, idgen)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}

	return &IndexStore{
		path:    indexPath,
		clock:   clock,
		idgen:   idgen,
		primary: db,
	}, nil
}

// Primary returns the handle opened with the store. It is closed by Close.
func (s *IndexStore) Primary() *SQLiteDatabase {
	return s.primary
}

// Open returns a new handle. The caller closes it.
func (s *IndexStore) Open(_ context.Context) (cba.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary == nil {
		return nil, storeErr("opening index", fmt.Errorf("index store is closed"))
	}
	if s.path == MemoryPath {
		return sharedHandle{s.primary}, nil
	}

	db, err := NewSQLiteDatabase(s.path, s.clock, s.idgen)
	if err != nil {
		return nil, storeErr("opening index", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, storeErr("opening index", err)
	}
	return db, nil
}

// Opener returns Open as a cba.IndexOpener.
func (s *IndexStore) Opener() cba.IndexOpener {
	return s.Open
}

// Close closes the primary handle. Handles returned by Open are not affected.
func (s *IndexStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary == nil {
		return nil
	}
	err := s.primary.Close()
	s.primary = nil
	return err
}

// sharedHandle is a handle on the in-memory index; closing it leaves the index open.
type sharedHandle struct {
	*SQLiteDatabase
}

func (sharedHandle) Close() error { return nil }
