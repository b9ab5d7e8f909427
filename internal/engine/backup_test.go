package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cba-go/internal/cba"
	"cba-go/internal/database"
	"cba-go/internal/provider"
	"cba-go/internal/testutil"
)

// countingIndex counts UpdateBackupFile calls.
type countingIndex struct {
	cba.Index
	mu      sync.Mutex
	updates int
}

func (c *countingIndex) UpdateBackupFile(ctx context.Context, file *cba.BackupFile) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Index.UpdateBackupFile(ctx, file)
}

// stopAfterProvider closes stop after a number of successful block uploads.
type stopAfterProvider struct {
	cba.Provider
	after int
	stop  chan struct{}
	count int
}

func (p *stopAfterProvider) UploadFileBlock(ctx context.Context, file *cba.BackupFile, directory string, data []byte, blockIndex, totalBlocks int64) error {
	if err := p.Provider.UploadFileBlock(ctx, file, directory, data, blockIndex, totalBlocks); err != nil {
		return err
	}
	p.count++
	if p.count == p.after {
		close(p.stop)
	}
	return nil
}

type fixedFactory struct {
	providers map[string]cba.Provider
}

func (f *fixedFactory) Supports(string) bool { return true }

func (f *fixedFactory) New(_ context.Context, reg *cba.ProviderRegistration) (cba.Provider, error) {
	p, ok := f.providers[reg.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider %s", cba.ErrConfiguration, reg.Name)
	}
	return p, nil
}

type backupFixture struct {
	ctx     context.Context
	clock   *testutil.StubClock
	db      *database.SQLiteDatabase
	fs      *testutil.MockFilesystemManager
	source  *cba.SourceLocation
	mem     *provider.MemoryProvider
	factory *fixedFactory
	cfg     BackupConfig
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()
	f := &backupFixture{
		ctx:   context.Background(),
		clock: testutil.FixedClock(),
		fs:    testutil.NewMockFilesystemManager(),
		mem:   provider.NewMemoryProvider("mem"),
		cfg: BackupConfig{
			BlockSize:       4,
			BlockAttempts:   3,
			BlockRetryDelay: time.Millisecond,
			FailureBackoff:  time.Minute,
		},
	}
	f.db = testutil.NewTestDatabase(t, f.clock)
	f.factory = &fixedFactory{providers: map[string]cba.Provider{"mem": f.mem}}
	f.fs.AddDirectory("/data")

	src, err := f.db.AddSource(f.ctx, &cba.SourceLocation{
		Path: "/data", Filter: "*", Priority: cba.PriorityMedium, Revisions: 3,
	})
	if err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}
	f.source = src
	if err := f.db.AddProvider(f.ctx, &cba.ProviderRegistration{Name: "mem", Type: "memory"}); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	return f
}

func (f *backupFixture) backup() *Backup {
	return NewBackup(f.cfg, f.factory, f.fs, testutil.NewStubWallClock(f.clock), cba.NewNopLogger(), nil)
}

// track puts content on disk and records it in the Index.
func (f *backupFixture) track(t *testing.T, path string, content []byte) *cba.BackupFile {
	t.Helper()
	f.fs.AddFile(path, content)
	info, err := f.fs.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	file := &cba.BackupFile{
		SourceID:   f.source.ID,
		FullPath:   path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Priority:   cba.PriorityMedium,
	}
	if err := f.db.AddBackupFile(f.ctx, file); err != nil {
		t.Fatalf("AddBackupFile() error = %v", err)
	}
	return file
}

func (f *backupFixture) reload(t *testing.T, file *cba.BackupFile) *cba.BackupFile {
	t.Helper()
	got, err := f.db.GetBackupFile(f.ctx, file.FullPath, file.Size, file.ModifiedAt)
	if err != nil || got == nil {
		t.Fatalf("GetBackupFile() = %v, %v", got, err)
	}
	return got
}

func iterate(t *testing.T, b *Backup, index cba.Index, stop chan struct{}) bool {
	t.Helper()
	if stop == nil {
		stop = make(chan struct{})
	}
	idle, err := b.Iterate(context.Background(), index, stop)
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	return idle
}

func TestBackup_IdleWithoutWork(t *testing.T) {
	f := newBackupFixture(t)
	if !iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = false with nothing pending")
	}
}

func TestBackup_IdleWithoutProviders(t *testing.T) {
	f := newBackupFixture(t)
	f.track(t, "/data/a.txt", []byte("hello"))
	if err := f.db.RemoveProvider(f.ctx, "mem"); err != nil {
		t.Fatal(err)
	}
	if !iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = false with no providers")
	}
}

func TestBackup_UploadsAllBlocks(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("0123456789")
	file := f.track(t, "/data/a.txt", content)

	if iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = true with a pending file")
	}

	got := f.reload(t, file)
	if got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced (last error %q)", got.Status, got.LastError)
	}
	if got.Hash != testutil.SHA256Hex(content) || got.HashAlgorithm != cba.HashAlgorithmSHA256 {
		t.Errorf("hash = %s/%s, want sha256 of content", got.HashAlgorithm, got.Hash)
	}
	st := got.ProviderState("mem")
	if st.Status != cba.SyncSynced || st.LastCommittedBlock != 2 {
		t.Errorf("provider state = %+v, want synced/2", st)
	}

	remote, err := f.mem.Content(got, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(remote, content) {
		t.Errorf("remote content = %q, want %q", remote, content)
	}
	if calls := f.mem.Calls(provider.OpStageBlock); calls != 3 {
		t.Errorf("staged %d blocks, want 3", calls)
	}
	if calls := f.mem.Calls(provider.OpSetArchiveTier); calls != 1 {
		t.Errorf("SetArchiveTier calls = %d, want 1", calls)
	}

	if !iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = false after the only file synced")
	}
}

func TestBackup_EmptyFile(t *testing.T) {
	f := newBackupFixture(t)
	file := f.track(t, "/data/empty.txt", nil)

	iterate(t, f.backup(), f.db, nil)

	if got := f.reload(t, file); got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced (last error %q)", got.Status, got.LastError)
	}
}

func TestBackup_ResumesFromRemoteState(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("aaaabbbbcccc")
	file := f.track(t, "/data/a.txt", content)

	// Blocks 0 and 1 reached the provider before a crash that lost all
	// local bookkeeping.
	remote := *file
	remote.Hash = testutil.SHA256Hex(content)
	remote.HashAlgorithm = cba.HashAlgorithmSHA256
	for i := int64(0); i < 2; i++ {
		if err := f.mem.UploadFileBlock(f.ctx, &remote, "/data", content[i*4:(i+1)*4], i, 3); err != nil {
			t.Fatalf("UploadFileBlock(%d) error = %v", i, err)
		}
	}
	staged := f.mem.Calls(provider.OpStageBlock)

	iterate(t, f.backup(), f.db, nil)

	if extra := f.mem.Calls(provider.OpStageBlock) - staged; extra != 1 {
		t.Errorf("re-uploaded %d blocks, want only block 2", extra)
	}
	got := f.reload(t, file)
	if got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced", got.Status)
	}
	data, err := f.mem.Content(got, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("remote content = %q, want %q", data, content)
	}
}

func TestBackup_RestartsWhenRemoteHashDiffers(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("aaaabbbbcccc")
	file := f.track(t, "/data/a.txt", content)

	stale := *file
	stale.Hash = "0000"
	if err := f.mem.UploadFileBlock(f.ctx, &stale, "/data", []byte("zzzz"), 0, 3); err != nil {
		t.Fatalf("UploadFileBlock() error = %v", err)
	}
	staged := f.mem.Calls(provider.OpStageBlock)

	iterate(t, f.backup(), f.db, nil)

	if extra := f.mem.Calls(provider.OpStageBlock) - staged; extra != 3 {
		t.Errorf("uploaded %d blocks, want all 3", extra)
	}
	data, err := f.mem.Content(f.reload(t, file), "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("remote content = %q, want %q", data, content)
	}
}

func TestBackup_PersistsProgressPerBlock(t *testing.T) {
	f := newBackupFixture(t)
	file := f.track(t, "/data/a.txt", []byte("aaaabbbbcccc"))
	index := &countingIndex{Index: f.db}

	iterate(t, f.backup(), index, nil)

	// One write after each of the first two blocks, then the final one.
	if index.updates != 3 {
		t.Errorf("UpdateBackupFile calls = %d, want 3", index.updates)
	}
	if got := f.reload(t, file); got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced", got.Status)
	}
}

func TestBackup_RetriesTransientBlockFailure(t *testing.T) {
	f := newBackupFixture(t)
	file := f.track(t, "/data/a.txt", []byte("abc"))
	f.mem.InjectFault(provider.OpStageBlock, errors.New("connection reset by peer"), 2)

	iterate(t, f.backup(), f.db, nil)

	got := f.reload(t, file)
	if got.Status != cba.FileSynced || got.FailureCount != 0 {
		t.Errorf("status = %s failures = %d, want synced with no failures", got.Status, got.FailureCount)
	}
}

func TestBackup_FailureBacksOff(t *testing.T) {
	f := newBackupFixture(t)
	f.cfg.BlockAttempts = 1
	file := f.track(t, "/data/a.txt", []byte("abc"))
	f.mem.InjectFault(provider.OpStageBlock, errors.New("service unavailable"), 2)
	b := f.backup()

	iterate(t, b, f.db, nil)

	got := f.reload(t, file)
	if got.Status != cba.FileInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.FailureCount != 1 || got.LastError == "" {
		t.Errorf("failures = %d last error = %q, want 1 and a message", got.FailureCount, got.LastError)
	}
	if want := f.clock.Now().Add(time.Minute); !got.RetryAfter.Equal(want) {
		t.Errorf("RetryAfter = %v, want %v", got.RetryAfter, want)
	}

	next, err := f.db.GetNextFileToBackup(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Errorf("GetNextFileToBackup() = %s, want nil during backoff", next.FullPath)
	}

	f.clock.Advance(time.Minute)
	iterate(t, b, f.db, nil)
	got = f.reload(t, file)
	if got.FailureCount != 2 {
		t.Errorf("failures = %d, want 2", got.FailureCount)
	}
	if want := f.clock.Now().Add(2 * time.Minute); !got.RetryAfter.Equal(want) {
		t.Errorf("second RetryAfter = %v, want doubled delay %v", got.RetryAfter, want)
	}

	f.clock.Advance(2 * time.Minute)
	iterate(t, b, f.db, nil)
	got = f.reload(t, file)
	if got.Status != cba.FileSynced || got.FailureCount != 0 || !got.RetryAfter.IsZero() || got.LastError != "" {
		t.Errorf("after recovery = %+v, want synced with failure state cleared", got)
	}
}

func TestBackup_FileChangedOnDisk(t *testing.T) {
	f := newBackupFixture(t)
	file := f.track(t, "/data/a.txt", []byte("v1"))
	f.fs.AddFile("/data/a.txt", []byte("version two"))

	iterate(t, f.backup(), f.db, nil)

	if got := f.reload(t, file); got.Status != cba.FileSuperseded {
		t.Errorf("status = %s, want superseded", got.Status)
	}
	if calls := f.mem.Calls(provider.OpStageBlock); calls != 0 {
		t.Errorf("staged %d blocks of a changed file", calls)
	}
}

func TestBackup_FileMissingOnDisk(t *testing.T) {
	f := newBackupFixture(t)
	file := f.track(t, "/data/a.txt", []byte("v1"))
	f.fs.RemoveFile("/data/a.txt")

	iterate(t, f.backup(), f.db, nil)

	if got := f.reload(t, file); got.Status != cba.FileRemoved {
		t.Errorf("status = %s, want removed", got.Status)
	}
}

func TestBackup_StopBetweenBlocks(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("aaaabbbbcccc")
	file := f.track(t, "/data/a.txt", content)

	stop := make(chan struct{})
	f.factory.providers["mem"] = &stopAfterProvider{Provider: f.mem, after: 1, stop: stop}

	if iterate(t, f.backup(), f.db, stop) {
		t.Error("Iterate() idle = true after a stopped transfer")
	}

	got := f.reload(t, file)
	if got.Status != cba.FileInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if st := got.ProviderState("mem"); st.Status != cba.SyncInProgress || st.LastCommittedBlock != 0 {
		t.Errorf("provider state = %+v, want in_progress/0", st)
	}
	if calls := f.mem.Calls(provider.OpStageBlock); calls != 1 {
		t.Errorf("staged %d blocks before stopping, want 1", calls)
	}

	f.factory.providers["mem"] = f.mem
	iterate(t, f.backup(), f.db, nil)
	if calls := f.mem.Calls(provider.OpStageBlock); calls != 3 {
		t.Errorf("staged %d blocks in total, want 3", calls)
	}
	if got := f.reload(t, file); got.Status != cba.FileSynced {
		t.Errorf("status after resume = %s, want synced", got.Status)
	}
}

func TestBackup_RestartsWhenBlockSizeChanges(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("aaaabbbbcccc")
	file := f.track(t, "/data/a.txt", content)

	stop := make(chan struct{})
	f.factory.providers["mem"] = &stopAfterProvider{Provider: f.mem, after: 2, stop: stop}
	iterate(t, f.backup(), f.db, stop)
	if st := f.reload(t, file).ProviderState("mem"); st.LastCommittedBlock != 1 {
		t.Fatalf("provider state = %+v, want two blocks committed", st)
	}

	f.factory.providers["mem"] = f.mem
	f.cfg.BlockSize = 3
	staged := f.mem.Calls(provider.OpStageBlock)
	iterate(t, f.backup(), f.db, nil)

	if extra := f.mem.Calls(provider.OpStageBlock) - staged; extra != 4 {
		t.Errorf("uploaded %d blocks after the size change, want all 4", extra)
	}
	got := f.reload(t, file)
	if got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced", got.Status)
	}
	data, err := f.mem.Content(got, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("remote content = %q, want %q", data, content)
	}
}

func TestBackup_MultipleProviders(t *testing.T) {
	f := newBackupFixture(t)
	second := provider.NewMemoryProvider("second")
	f.factory.providers["second"] = second
	if err := f.db.AddProvider(f.ctx, &cba.ProviderRegistration{Name: "second", Type: "memory"}); err != nil {
		t.Fatal(err)
	}
	file := f.track(t, "/data/a.txt", []byte("abcdef"))
	second.InjectFault(provider.OpCommitBlocks, fmt.Errorf("%w: quota exceeded", cba.ErrTransport), 3)

	iterate(t, f.backup(), f.db, nil)

	got := f.reload(t, file)
	if got.Status != cba.FileInProgress || got.FailureCount != 1 {
		t.Fatalf("status = %s failures = %d, want in_progress after one provider failed", got.Status, got.FailureCount)
	}
	if st := got.ProviderState("mem"); st.Status != cba.SyncSynced {
		t.Errorf("healthy provider state = %+v, want synced", st)
	}

	f.clock.Advance(time.Hour)
	staged := f.mem.Calls(provider.OpStageBlock)
	iterate(t, f.backup(), f.db, nil)

	if got := f.reload(t, file); got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced once both providers finished", got.Status)
	}
	if f.mem.Calls(provider.OpStageBlock) != staged {
		t.Error("already synced provider was sent blocks again")
	}
}

func TestBackup_ReachesProviderAddedLater(t *testing.T) {
	f := newBackupFixture(t)
	content := []byte("aaaabbbbcc")
	file := f.track(t, "/data/a.txt", content)
	iterate(t, f.backup(), f.db, nil)
	if got := f.reload(t, file); got.Status != cba.FileSynced {
		t.Fatalf("status = %s, want synced", got.Status)
	}

	second := provider.NewMemoryProvider("second")
	f.factory.providers["second"] = second
	if err := f.db.AddProvider(f.ctx, &cba.ProviderRegistration{Name: "second", Type: "memory"}); err != nil {
		t.Fatal(err)
	}
	staged := f.mem.Calls(provider.OpStageBlock)

	if iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = true with a provider missing the file")
	}

	got := f.reload(t, file)
	if got.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced", got.Status)
	}
	if st := got.ProviderState("second"); st.Status != cba.SyncSynced {
		t.Errorf("new provider state = %+v, want synced", st)
	}
	data, err := second.Content(got, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("remote content = %q, want %q", data, content)
	}
	if f.mem.Calls(provider.OpStageBlock) != staged {
		t.Error("provider that already had the file was sent blocks again")
	}
	if !iterate(t, f.backup(), f.db, nil) {
		t.Error("Iterate() idle = false once every provider has the file")
	}
}
