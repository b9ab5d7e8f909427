package cba

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders source locations (and the files discovered in them) for backup.
// Higher values are scheduled first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// ParsePriority parses "low", "medium" or "high" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q (want low, medium or high)", ErrValidation, s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// MaxRevisions bounds the revision retention count of a source location.
const MaxRevisions = 100

// SourceLocation is a configured folder or network share to scan.
// (Path, Filter) is unique across all source locations.
type SourceLocation struct {
	ID             int64
	Path           string
	Filter         string // glob matched against file names
	Priority       Priority
	Revisions      int    // number of historical versions kept remotely
	CredentialName string // optional NetCredential for network shares
	CreatedAt      time.Time
}

// FileStatus is the overall backup state of a tracked file.
type FileStatus string

const (
	FileUnsynced   FileStatus = "unsynced"
	FileInProgress FileStatus = "in_progress"
	FileSynced     FileStatus = "synced"
	// FileRemoved marks a file that disappeared from disk. The record is kept as history.
	FileRemoved FileStatus = "removed"
	// FileSuperseded marks a revision that changed on disk before it was fully synced.
	FileSuperseded FileStatus = "superseded"
)

// Pending reports whether a file in this state still needs transferring.
func (s FileStatus) Pending() bool {
	return s == FileUnsynced || s == FileInProgress
}

// HashAlgorithmSHA256 identifies the whole-file content hash.
const HashAlgorithmSHA256 = "SHA256"

// ProviderState is the last known progress of one file at one provider.
// It mirrors remote state for reporting; resumption always re-derives it
// from the provider itself.
type ProviderState struct {
	Status             SyncStatus
	LastCommittedBlock int64
	UpdatedAt          time.Time
}

// BackupFile is one tracked revision of a file.
// Identity for change detection is (FullPath, Size, ModifiedAt).
type BackupFile struct {
	ID            string
	SourceID      int64
	FullPath      string
	Size          int64
	ModifiedAt    time.Time
	Hash          string
	HashAlgorithm string
	Status        FileStatus
	Priority      Priority
	Revision      int
	DiscoveredAt  time.Time
	FailureCount  int
	RetryAfter    time.Time // zero when the file may be scheduled immediately
	LastError     string
	Providers     map[string]ProviderState
}

// ProviderState returns the recorded state for the named provider, defaulting to unsynced.
func (f *BackupFile) ProviderState(name string) ProviderState {
	if st, ok := f.Providers[name]; ok {
		return st
	}
	return ProviderState{Status: SyncUnsynced, LastCommittedBlock: -1}
}

// SetProviderState records progress for the named provider.
func (f *BackupFile) SetProviderState(name string, st ProviderState) {
	if f.Providers == nil {
		f.Providers = make(map[string]ProviderState)
	}
	f.Providers[name] = st
}

// SyncStatus is the state of one file at one provider.
type SyncStatus string

const (
	SyncUnsynced   SyncStatus = "unsynced"
	SyncInProgress SyncStatus = "in_progress"
	SyncSynced     SyncStatus = "synced"
)

// ParseSyncStatus maps a stored status string back to a SyncStatus.
// Unknown values are treated as unsynced.
func ParseSyncStatus(s string) SyncStatus {
	switch SyncStatus(strings.ToLower(s)) {
	case SyncInProgress:
		return SyncInProgress
	case SyncSynced:
		return SyncSynced
	default:
		return SyncUnsynced
	}
}

// ProviderFileStatus is the sync state of a file at a provider, derived from
// the provider's own metadata on every call.
type ProviderFileStatus struct {
	Status             SyncStatus
	LastCommittedBlock int64 // -1 when no block has been committed
	BlockSize          int64 // bytes per committed block; 0 when not recorded
	Hash               string
	HashAlgorithm      string
	SourcePath         string
	Tier               string
}

// NextBlock returns the index of the first block that still needs uploading.
func (s *ProviderFileStatus) NextBlock() int64 {
	if s == nil || s.Status == SyncUnsynced {
		return 0
	}
	return s.LastCommittedBlock + 1
}

// NetCredential names a username/password pair held in the secret store.
type NetCredential struct {
	Name        string
	UsernameKey string
	PasswordKey string
	CreatedAt   time.Time
}

// ProviderRegistration configures one remote backend.
type ProviderRegistration struct {
	Name           string
	Type           string
	Attributes     map[string]string
	CredentialName string
	CreatedAt      time.Time
}

// BackupProgress aggregates tracked file counts for reporting.
type BackupProgress struct {
	Total       int64
	Synced      int64
	InProgress  int64
	Unsynced    int64
	Removed     int64
	Superseded  int64
	TotalBytes  int64
	SyncedBytes int64
}
