package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/juju/clock"

	"cba-go/internal/cba"
	"cba-go/internal/provider"
	"cba-go/internal/testutil"
)

// TestScanThenBackup_SingleBlock discovers one small file and sends it as a
// single default-sized block with a single Synced write.
func TestScanThenBackup_SingleBlock(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()
	db := testutil.NewTestDatabase(t, clk)
	fsmgr := testutil.NewMockFilesystemManager()
	content := bytes.Repeat([]byte("0123456789"), 50000)
	fsmgr.AddFile("/data/report.txt", content)
	fsmgr.AddFile("/data/photo.jpg", []byte("jpeg"))

	if _, err := db.AddSource(ctx, &cba.SourceLocation{
		Path: "/data", Filter: "*.txt", Priority: cba.PriorityHigh, Revisions: 3,
	}); err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}
	if err := db.AddProvider(ctx, &cba.ProviderRegistration{Name: "mem", Type: "memory"}); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	logger := cba.NewNopLogger()
	if _, err := NewScanner(fsmgr, clk, logger, nil).Iterate(ctx, db, make(chan struct{})); err != nil {
		t.Fatalf("scan Iterate() error = %v", err)
	}
	progress, err := db.GetBackupProgress(ctx)
	if err != nil {
		t.Fatalf("GetBackupProgress() error = %v", err)
	}
	if progress.Total != 1 || progress.Unsynced != 1 {
		t.Fatalf("progress after scan = %+v, want one unsynced file", progress)
	}

	mem := provider.NewMemoryProvider("mem")
	factory := &fixedFactory{providers: map[string]cba.Provider{"mem": mem}}
	index := &countingIndex{Index: db}
	backup := NewBackup(BackupConfig{}, factory, fsmgr, testutil.NewStubWallClock(clk), logger, nil)
	if _, err := backup.Iterate(ctx, index, make(chan struct{})); err != nil {
		t.Fatalf("backup Iterate() error = %v", err)
	}

	if calls := mem.Calls(provider.OpStageBlock); calls != 1 {
		t.Errorf("staged %d blocks, want 1", calls)
	}
	if index.updates != 1 {
		t.Errorf("UpdateBackupFile calls = %d, want a single Synced write", index.updates)
	}
	file, err := db.GetLatestRevision(ctx, "/data/report.txt")
	if err != nil || file == nil {
		t.Fatalf("GetLatestRevision() = %v, %v", file, err)
	}
	if file.Status != cba.FileSynced {
		t.Errorf("status = %s, want synced", file.Status)
	}
	remote, err := mem.Content(file, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(remote, content) {
		t.Errorf("remote content differs: got %d bytes, want %d", len(remote), len(content))
	}
	if photo, _ := db.GetLatestRevision(ctx, "/data/photo.jpg"); photo != nil {
		t.Error("photo.jpg tracked despite the *.txt filter")
	}
}

// TestEngines_ScanThenBackup runs both loops against one file-backed index
// until a discovered file is stored remotely.
func TestEngines_ScanThenBackup(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTempIndexStore(t, cba.RealClock{})
	index := store.Primary()

	fsmgr := testutil.NewMockFilesystemManager()
	content := bytes.Repeat([]byte("0123456789"), 50000)
	fsmgr.AddFile("/data/report.txt", content)

	if _, err := index.AddSource(ctx, &cba.SourceLocation{
		Path: "/data", Filter: "*.txt", Priority: cba.PriorityHigh, Revisions: 3,
	}); err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}
	if err := index.AddProvider(ctx, &cba.ProviderRegistration{Name: "mem", Type: "memory"}); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	mem := provider.NewMemoryProvider("mem")
	factory := &fixedFactory{providers: map[string]cba.Provider{"mem": mem}}

	logger := cba.NewNopLogger()
	scan, err := New(Config{
		Name:     "scan",
		Body:     NewScanner(fsmgr, cba.RealClock{}, logger, nil),
		Opener:   store.Opener(),
		Interval: 10 * time.Millisecond,
		Clock:    clock.WallClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New(scan) error = %v", err)
	}
	backup, err := New(Config{
		Name:     "backup",
		Body:     NewBackup(BackupConfig{BlockSize: 64 * 1024}, factory, fsmgr, clock.WallClock, logger, nil),
		Opener:   store.Opener(),
		Interval: 10 * time.Millisecond,
		Clock:    clock.WallClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New(backup) error = %v", err)
	}

	tasks := make([]*Task, 0, 2)
	for _, e := range []*Engine{scan, backup} {
		task, err := e.BeginStart()
		if err != nil {
			t.Fatalf("BeginStart(%s) error = %v", e.Name(), err)
		}
		tasks = append(tasks, task)
	}

	var synced *cba.BackupFile
	waitFor(t, "file synced", func() bool {
		f, err := index.GetLatestRevision(ctx, "/data/report.txt")
		if err != nil || f == nil || f.Status != cba.FileSynced {
			return false
		}
		synced = f
		return true
	})

	scan.BeginStop()
	backup.BeginStop()
	for _, task := range tasks {
		if result := waitDone(t, task); result.Reason != ReasonStopRequested {
			t.Errorf("%s stopped with %s: %v", result.Engine, result.Reason, result.Err)
		}
	}

	remote, err := mem.Content(synced, "/data")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if !bytes.Equal(remote, content) {
		t.Errorf("remote content differs: got %d bytes, want %d", len(remote), len(content))
	}
	if calls := mem.Calls(provider.OpSetArchiveTier); calls != 1 {
		t.Errorf("SetArchiveTier calls = %d, want 1", calls)
	}

	progress, err := index.GetBackupProgress(ctx)
	if err != nil {
		t.Fatalf("GetBackupProgress() error = %v", err)
	}
	if progress.Synced != 1 {
		t.Errorf("progress = %+v, want one synced file", progress)
	}
}
