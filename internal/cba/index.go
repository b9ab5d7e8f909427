package cba

import (
	"context"
	"time"
)

// Index is the durable record of source locations, tracked files and
// administrative entities. Not-found lookups return nil with no error.
//
// A handle is not safe for concurrent use; each loop opens its own. The
// underlying store must tolerate several handles at once.
type Index interface {
	// Source locations

	// GetAllSourceLocations returns every source location ordered by ID.
	GetAllSourceLocations(ctx context.Context) ([]*SourceLocation, error)

	// SetSourceLocations atomically replaces the full set of source locations.
	SetSourceLocations(ctx context.Context, locations []*SourceLocation) error

	// GetSourceLocation returns the source location with the given ID.
	GetSourceLocation(ctx context.Context, id int64) (*SourceLocation, error)

	// AddSource persists a new source location, assigning it max(ID)+1.
	// Fails with *DuplicateSourceError if (Path, Filter) is already present.
	AddSource(ctx context.Context, location *SourceLocation) (*SourceLocation, error)

	// RemoveSource deletes a source location and its tracked files.
	// Removing an unknown ID is a no-op.
	RemoveSource(ctx context.Context, id int64) error

	// Backup files

	// GetBackupFile returns the tracked file matching the exact (path, size, modified) triple.
	GetBackupFile(ctx context.Context, path string, size int64, modified time.Time) (*BackupFile, error)

	// GetLatestRevision returns the most recently discovered record for a path, in any state.
	GetLatestRevision(ctx context.Context, path string) (*BackupFile, error)

	// ListActiveBackupFiles returns the records of a source that are not removed or superseded.
	ListActiveBackupFiles(ctx context.Context, sourceID int64) ([]*BackupFile, error)

	// AddBackupFile persists a newly discovered file.
	AddBackupFile(ctx context.Context, file *BackupFile) error

	// UpdateBackupFile persists status and progress changes. Idempotent.
	UpdateBackupFile(ctx context.Context, file *BackupFile) error

	// GetNextFileToBackup returns the highest-priority file that some
	// registered provider does not yet hold, oldest discovery first within a
	// priority. Files whose RetryAfter is in the future are skipped. Returns
	// nil when nothing is pending.
	GetNextFileToBackup(ctx context.Context) (*BackupFile, error)

	// GetBackupProgress returns aggregate counts over all tracked files.
	GetBackupProgress(ctx context.Context) (*BackupProgress, error)

	// Network credentials

	AddNetCredential(ctx context.Context, cred *NetCredential) error
	GetNetCredential(ctx context.Context, name string) (*NetCredential, error)
	ListNetCredentials(ctx context.Context) ([]*NetCredential, error)
	RemoveNetCredential(ctx context.Context, name string) error

	// Provider registrations

	AddProvider(ctx context.Context, reg *ProviderRegistration) error
	GetProvider(ctx context.Context, name string) (*ProviderRegistration, error)
	ListProviders(ctx context.Context) ([]*ProviderRegistration, error)
	RemoveProvider(ctx context.Context, name string) error

	// Application options

	// GetOption returns the stored value and whether it was present.
	GetOption(ctx context.Context, key string) (string, bool, error)
	SetOption(ctx context.Context, key, value string) error

	// Close releases the handle.
	Close() error
}

// IndexOpener opens a new, independent Index handle on the shared store.
type IndexOpener func(ctx context.Context) (Index, error)
