package provider

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"cba-go/internal/cba"
)

// Metadata keys written on every commit. Backends may change their case
// (Azure returns them capitalized), so they are read case-insensitively.
const (
	metaSyncStatus    = "syncstatus"
	metaLastBlock     = "lastblock"
	metaBlockSize     = "blocksize"
	metaSourcePath    = "sourcepath"
	metaHash          = "hash"
	metaHashAlgorithm = "hashalgorithm"
)

// ContainerName returns the remote container for a source location path.
// It is stable, lowercase and valid as an Azure container or S3 key prefix.
func ContainerName(directory string) string {
	sum := sha256.Sum256([]byte(directory))
	return "cba-" + hex.EncodeToString(sum[:])[:16]
}

// BlobName returns the remote object name for one revision slot of a file:
// its slash-separated path relative to the source location.
func BlobName(file *cba.BackupFile, directory string) (string, error) {
	rel, err := filepath.Rel(directory, file.FullPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not under %s: %v", cba.ErrValidation, file.FullPath, directory, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s is not under %s", cba.ErrValidation, file.FullPath, directory)
	}
	return fmt.Sprintf("%s.rev%d", rel, file.Revision), nil
}

// blockID returns the backend block identifier for a block index. All IDs of
// a blob have the same encoded length.
func blockID(index int64) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%08d", index)))
}

// blockIDs returns the IDs of the contiguous prefix 0..last.
func blockIDs(last int64) []string {
	ids := make([]string, 0, last+1)
	for i := int64(0); i <= last; i++ {
		ids = append(ids, blockID(i))
	}
	return ids
}

func buildMetadata(file *cba.BackupFile, status cba.SyncStatus, lastBlock, blockSize int64) map[string]string {
	return map[string]string{
		metaSyncStatus:    string(status),
		metaLastBlock:     strconv.FormatInt(lastBlock, 10),
		metaBlockSize:     strconv.FormatInt(blockSize, 10),
		metaSourcePath:    file.FullPath,
		metaHash:          file.Hash,
		metaHashAlgorithm: file.HashAlgorithm,
	}
}

// statusFromMetadata derives the remote sync status from a committed blob.
// A blob without a readable sync status is treated as unsynced.
func statusFromMetadata(metadata map[string]string, tier string) *cba.ProviderFileStatus {
	get := func(key string) string {
		for k, v := range metadata {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}

	st := &cba.ProviderFileStatus{
		Status:             cba.ParseSyncStatus(get(metaSyncStatus)),
		LastCommittedBlock: -1,
		Hash:               get(metaHash),
		HashAlgorithm:      get(metaHashAlgorithm),
		SourcePath:         get(metaSourcePath),
		Tier:               tier,
	}
	if n, err := strconv.ParseInt(get(metaLastBlock), 10, 64); err == nil && n >= 0 {
		st.LastCommittedBlock = n
	}
	if n, err := strconv.ParseInt(get(metaBlockSize), 10, 64); err == nil && n > 0 {
		st.BlockSize = n
	}
	if st.Status != cba.SyncUnsynced && st.LastCommittedBlock < 0 {
		st.Status = cba.SyncUnsynced
	}
	return st
}

// committedBlockSize returns the block size the prefix 0..blockIndex was cut
// with. Every block but the last is full, so the final block's size is
// recovered from the file size.
func committedBlockSize(file *cba.BackupFile, data []byte, blockIndex, totalBlocks int64) int64 {
	if blockIndex == totalBlocks-1 && blockIndex > 0 && file.Size > int64(len(data)) {
		return (file.Size - int64(len(data))) / blockIndex
	}
	return int64(len(data))
}

func md5Sum(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}
