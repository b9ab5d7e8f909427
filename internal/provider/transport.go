package provider

import (
	"context"
	"errors"
	"fmt"

	"cba-go/internal/cba"
)

// transport implements cba.Provider over a pluggable blobStore.
// All of the block protocol lives here: naming, staging with a content hash,
// prefix commits with status metadata, and the one-time archive tier.
// It keeps no state about files between calls.
type transport struct {
	name  string
	store blobStore
}

var _ cba.Provider = (*transport)(nil)

func newTransport(name string, store blobStore) *transport {
	return &transport{name: name, store: store}
}

func (t *transport) Name() string { return t.name }

// fail wraps err as a TransportError, classifying it by the sentinel it carries.
func (t *transport) fail(op string, err error) error {
	var te *cba.TransportError
	if errors.As(err, &te) {
		return err
	}
	kind := cba.ErrTransport
	for _, k := range []error{cba.ErrIntegrity, cba.ErrNotFound, cba.ErrAuthentication, cba.ErrValidation} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &cba.TransportError{Provider: t.name, Op: op, Kind: kind, Err: err}
}

func (t *transport) names(file *cba.BackupFile, directory string) (string, string, error) {
	blob, err := BlobName(file, directory)
	if err != nil {
		return "", "", err
	}
	return ContainerName(directory), blob, nil
}

// GetFileStatus reads the blob's committed metadata. Calling it never
// changes remote state, so repeated calls return the same result.
func (t *transport) GetFileStatus(ctx context.Context, file *cba.BackupFile, directory string) (*cba.ProviderFileStatus, error) {
	container, blob, err := t.names(file, directory)
	if err != nil {
		return nil, t.fail("get status", err)
	}

	props, err := t.store.Properties(ctx, container, blob)
	if err != nil {
		if errors.Is(err, cba.ErrNotFound) {
			return &cba.ProviderFileStatus{Status: cba.SyncUnsynced, LastCommittedBlock: -1}, nil
		}
		return nil, t.fail("get status", err)
	}
	return statusFromMetadata(props.Metadata, props.Tier), nil
}

// UploadFileBlock stages one block and commits the prefix 0..blockIndex.
// Re-sending a block that is already committed is harmless: the commit
// covers the same prefix again.
func (t *transport) UploadFileBlock(ctx context.Context, file *cba.BackupFile, directory string, data []byte, blockIndex, totalBlocks int64) error {
	if totalBlocks < 1 || blockIndex < 0 || blockIndex >= totalBlocks {
		return t.fail("upload block", fmt.Errorf("%w: block %d of %d is out of range", cba.ErrIntegrity, blockIndex, totalBlocks))
	}
	if file.Hash == "" {
		return t.fail("upload block", fmt.Errorf("%w: %s has no content hash", cba.ErrValidation, file.FullPath))
	}

	container, blob, err := t.names(file, directory)
	if err != nil {
		return t.fail("upload block", err)
	}

	sum := md5Sum(data)
	id := blockID(blockIndex)
	err = t.store.StageBlock(ctx, container, blob, id, data, sum)
	if errors.Is(err, errContainerNotFound) {
		if err := t.store.EnsureContainer(ctx, container); err != nil {
			return t.fail("create container", err)
		}
		err = t.store.StageBlock(ctx, container, blob, id, data, sum)
	}
	if err != nil {
		return t.fail(fmt.Sprintf("stage block %d", blockIndex), err)
	}

	final := blockIndex == totalBlocks-1
	status := cba.SyncInProgress
	if final {
		status = cba.SyncSynced
	}
	metadata := buildMetadata(file, status, blockIndex, committedBlockSize(file, data, blockIndex, totalBlocks))
	if err := t.store.CommitBlocks(ctx, container, blob, blockIDs(blockIndex), metadata); err != nil {
		return t.fail(fmt.Sprintf("commit block %d", blockIndex), err)
	}

	if !final {
		return nil
	}

	props, err := t.store.Properties(ctx, container, blob)
	if err != nil {
		return t.fail("read tier", err)
	}
	if props.Archived {
		return nil
	}
	if err := t.store.SetArchiveTier(ctx, container, blob); err != nil {
		return t.fail("set archive tier", err)
	}
	return nil
}
