package provider

import (
	"context"
	"fmt"

	"cba-go/internal/cba"
)

// errContainerNotFound is returned by a blobStore when the container itself is absent.
var errContainerNotFound = fmt.Errorf("container %w", cba.ErrNotFound)

// blobProperties is the committed state of one blob.
type blobProperties struct {
	Metadata map[string]string
	Tier     string
	Archived bool
}

// blobStore abstracts the storage mechanics of one backend. The transport
// algorithm derives every name; stores only move bytes and metadata.
//
// Errors wrap cba.ErrNotFound (errContainerNotFound for a missing container)
// or cba.ErrIntegrity where the backend reports them; anything else is
// treated as a transport failure.
type blobStore interface {
	// EnsureContainer creates the container if it does not exist.
	EnsureContainer(ctx context.Context, container string) error

	// StageBlock stores one uncommitted block. The backend verifies md5sum
	// against data and rejects a mismatch.
	StageBlock(ctx context.Context, container, blob, id string, data, md5sum []byte) error

	// CommitBlocks makes ids, in order, the blob's content and replaces its metadata.
	// Every id must have been staged or already committed.
	CommitBlocks(ctx context.Context, container, blob string, ids []string, metadata map[string]string) error

	// Properties returns the committed metadata and tier of a blob.
	Properties(ctx context.Context, container, blob string) (*blobProperties, error)

	// SetArchiveTier moves a committed blob to archival storage.
	SetArchiveTier(ctx context.Context, container, blob string) error
}
