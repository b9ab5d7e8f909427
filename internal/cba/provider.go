package cba

import "context"

// DefaultBlockSize is the size of one upload block (1 MiB).
const DefaultBlockSize int64 = 1024 * 1024

// Provider transfers file contents to one remote backend.
//
// A Provider holds no persistent state about files: it is parameterized per
// call by the file and the directory (source location path) it belongs to,
// and always derives sync status from the remote object itself.
type Provider interface {
	// Name returns the registration name of this provider.
	Name() string

	// GetFileStatus reads the remote object's metadata. A missing container
	// or object yields SyncUnsynced, not an error.
	GetFileStatus(ctx context.Context, file *BackupFile, directory string) (*ProviderFileStatus, error)

	// UploadFileBlock uploads block blockIndex of totalBlocks and commits the
	// contiguous prefix 0..blockIndex. The final block also moves the object
	// to the archive tier.
	UploadFileBlock(ctx context.Context, file *BackupFile, directory string, data []byte, blockIndex, totalBlocks int64) error
}

// ProviderFactory builds providers from their registration records.
type ProviderFactory interface {
	// Supports reports whether the factory can build providers of this type.
	Supports(providerType string) bool

	// New creates a provider for the registration.
	New(ctx context.Context, reg *ProviderRegistration) (Provider, error)
}

// TotalBlocks returns the number of blocks needed for size bytes.
// An empty file is sent as a single empty block.
func TotalBlocks(size, blockSize int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + blockSize - 1) / blockSize
}
