package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"sync"

	"cba-go/internal/cba"
)

// TierArchive is the tier name the memory and filesystem stores report for archived blobs.
const TierArchive = "Archive"

// Store operation names, used for fault injection and call counting.
const (
	OpEnsureContainer = "ensure_container"
	OpStageBlock      = "stage_block"
	OpCommitBlocks    = "commit_blocks"
	OpProperties      = "properties"
	OpSetArchiveTier  = "set_archive_tier"
)

type memoryBlob struct {
	staged    map[string][]byte
	committed []string
	metadata  map[string]string
	tier      string
}

type memoryFault struct {
	err   error
	times int
}

// memoryStore is an in-memory blobStore. It behaves like a block blob
// service: staged blocks persist until the blob is committed over them,
// and a commit keeps the blob's current tier.
type memoryStore struct {
	mu         sync.Mutex
	containers map[string]map[string]*memoryBlob
	faults     map[string]*memoryFault
	calls      map[string]int
}

var _ blobStore = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		containers: make(map[string]map[string]*memoryBlob),
		faults:     make(map[string]*memoryFault),
		calls:      make(map[string]int),
	}
}

// enter records a call to op and returns an injected fault, if any. Callers hold mu.
func (m *memoryStore) enter(op string) error {
	m.calls[op]++
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	f.times--
	if f.times <= 0 {
		delete(m.faults, op)
	}
	return f.err
}

func (m *memoryStore) EnsureContainer(_ context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpEnsureContainer); err != nil {
		return err
	}
	if _, ok := m.containers[container]; !ok {
		m.containers[container] = make(map[string]*memoryBlob)
	}
	return nil
}

func (m *memoryStore) StageBlock(_ context.Context, container, blob, id string, data, md5sum []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs, ok := m.containers[container]
	if !ok {
		return errContainerNotFound
	}
	if err := m.enter(OpStageBlock); err != nil {
		return err
	}
	sum := md5.Sum(data)
	if !bytes.Equal(sum[:], md5sum) {
		return fmt.Errorf("%w: block %s md5 mismatch", cba.ErrIntegrity, id)
	}

	b, ok := blobs[blob]
	if !ok {
		b = &memoryBlob{staged: make(map[string][]byte)}
		blobs[blob] = b
	}
	b.staged[id] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStore) CommitBlocks(_ context.Context, container, blob string, ids []string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCommitBlocks); err != nil {
		return err
	}

	blobs, ok := m.containers[container]
	if !ok {
		return errContainerNotFound
	}
	b, ok := blobs[blob]
	if !ok {
		return fmt.Errorf("%w: no blocks staged for %s", cba.ErrIntegrity, blob)
	}
	for _, id := range ids {
		if _, ok := b.staged[id]; !ok {
			return fmt.Errorf("%w: invalid block list: block %s was never staged", cba.ErrIntegrity, id)
		}
	}

	b.committed = append([]string(nil), ids...)
	b.metadata = make(map[string]string, len(metadata))
	for k, v := range metadata {
		b.metadata[k] = v
	}
	return nil
}

func (m *memoryStore) Properties(_ context.Context, container, blob string) (*blobProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpProperties); err != nil {
		return nil, err
	}

	b, err := m.committedBlob(container, blob)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		metadata[k] = v
	}
	return &blobProperties{Metadata: metadata, Tier: b.tier, Archived: b.tier == TierArchive}, nil
}

func (m *memoryStore) SetArchiveTier(_ context.Context, container, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSetArchiveTier); err != nil {
		return err
	}

	b, err := m.committedBlob(container, blob)
	if err != nil {
		return err
	}
	b.tier = TierArchive
	return nil
}

func (m *memoryStore) committedBlob(container, blob string) (*memoryBlob, error) {
	blobs, ok := m.containers[container]
	if !ok {
		return nil, errContainerNotFound
	}
	b, ok := blobs[blob]
	if !ok || b.committed == nil {
		return nil, fmt.Errorf("blob %s: %w", blob, cba.ErrNotFound)
	}
	return b, nil
}

// MemoryProvider is an in-memory cba.Provider. Use in tests.
type MemoryProvider struct {
	*transport
	store *memoryStore
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(name string) *MemoryProvider {
	store := newMemoryStore()
	return &MemoryProvider{transport: newTransport(name, store), store: store}
}

// InjectFault makes the next times calls to the store operation op fail with err.
func (p *MemoryProvider) InjectFault(op string, err error, times int) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	p.store.faults[op] = &memoryFault{err: err, times: times}
}

// Calls returns how many times the store operation op has been invoked.
func (p *MemoryProvider) Calls(op string) int {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return p.store.calls[op]
}

// HasContainer reports whether the container for directory exists.
func (p *MemoryProvider) HasContainer(directory string) bool {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	_, ok := p.store.containers[ContainerName(directory)]
	return ok
}

// Content returns the committed content of a file's blob.
func (p *MemoryProvider) Content(file *cba.BackupFile, directory string) ([]byte, error) {
	container, blob, err := p.names(file, directory)
	if err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	b, err := p.store.committedBlob(container, blob)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, id := range b.committed {
		buf.Write(b.staged[id])
	}
	return buf.Bytes(), nil
}
