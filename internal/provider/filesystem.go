package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"cba-go/internal/cba"
)

// filesystemStore is a blobStore rooted at a local directory or NAS mount.
// It stores blobs as a directory tree:
//
//	<root>/
//	  <container>/
//	    <blob>.blocks/<hex(block id)>   (staged and committed blocks)
//	    <blob>.manifest                 (committed block list, metadata, tier)
type filesystemStore struct {
	root string
}

var _ blobStore = (*filesystemStore)(nil)

type manifest struct {
	Blocks   []string          `toml:"blocks"`
	Tier     string            `toml:"tier"`
	Metadata map[string]string `toml:"metadata"`
}

// newFilesystemStore creates a store rooted at root, creating root if needed.
func newFilesystemStore(root string) (*filesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create provider root: %w", err)
	}
	return &filesystemStore{root: root}, nil
}

// NewFilesystemProvider creates a provider that stores blobs under root.
func NewFilesystemProvider(name, root string) (cba.Provider, error) {
	store, err := newFilesystemStore(root)
	if err != nil {
		return nil, err
	}
	return newTransport(name, store), nil
}

func (s *filesystemStore) containerDir(container string) string {
	return filepath.Join(s.root, container)
}

func (s *filesystemStore) blockPath(container, blob, id string) string {
	return filepath.Join(s.containerDir(container), filepath.FromSlash(blob)+".blocks", hex.EncodeToString([]byte(id)))
}

func (s *filesystemStore) manifestPath(container, blob string) string {
	return filepath.Join(s.containerDir(container), filepath.FromSlash(blob)+".manifest")
}

func (s *filesystemStore) checkContainer(container string) error {
	info, err := os.Stat(s.containerDir(container))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errContainerNotFound
		}
		return fmt.Errorf("container not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("container path is not a directory: %s", s.containerDir(container))
	}
	return nil
}

func (s *filesystemStore) EnsureContainer(_ context.Context, container string) error {
	if err := os.MkdirAll(s.containerDir(container), 0755); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func (s *filesystemStore) StageBlock(_ context.Context, container, blob, id string, data, md5sum []byte) error {
	if err := s.checkContainer(container); err != nil {
		return err
	}
	sum := md5.Sum(data)
	if !bytes.Equal(sum[:], md5sum) {
		return fmt.Errorf("%w: block %s md5 mismatch", cba.ErrIntegrity, id)
	}

	dest := s.blockPath(container, blob, id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	return writeFileAtomic(dest, data)
}

func (s *filesystemStore) CommitBlocks(_ context.Context, container, blob string, ids []string, metadata map[string]string) error {
	if err := s.checkContainer(container); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := os.Stat(s.blockPath(container, blob, id)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: invalid block list: block %s was never staged", cba.ErrIntegrity, id)
			}
			return fmt.Errorf("checking block %s: %w", id, err)
		}
	}
	m := &manifest{Blocks: ids, Metadata: metadata}
	if prev, err := s.readManifest(container, blob); err == nil {
		m.Tier = prev.Tier
	}
	return s.writeManifest(container, blob, m)
}

func (s *filesystemStore) Properties(_ context.Context, container, blob string) (*blobProperties, error) {
	m, err := s.readManifest(container, blob)
	if err != nil {
		return nil, err
	}
	return &blobProperties{Metadata: m.Metadata, Tier: m.Tier, Archived: m.Tier == TierArchive}, nil
}

func (s *filesystemStore) SetArchiveTier(_ context.Context, container, blob string) error {
	m, err := s.readManifest(container, blob)
	if err != nil {
		return err
	}
	m.Tier = TierArchive
	return s.writeManifest(container, blob, m)
}

func (s *filesystemStore) readManifest(container, blob string) (*manifest, error) {
	if err := s.checkContainer(container); err != nil {
		return nil, err
	}
	var m manifest
	if _, err := toml.DecodeFile(s.manifestPath(container, blob), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", blob, cba.ErrNotFound)
		}
		return nil, fmt.Errorf("reading manifest of %s: %w", blob, err)
	}
	return &m, nil
}

func (s *filesystemStore) writeManifest(container, blob string, m *manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	dest := s.manifestPath(container, blob)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return writeFileAtomic(dest, buf.Bytes())
}

// readContent assembles the committed content of a blob.
func (s *filesystemStore) readContent(container, blob string) ([]byte, error) {
	m, err := s.readManifest(container, blob)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, id := range m.Blocks {
		data, err := os.ReadFile(s.blockPath(container, blob, id))
		if err != nil {
			return nil, fmt.Errorf("reading block %s: %w", id, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to destPath through a temp file and rename.
func writeFileAtomic(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
