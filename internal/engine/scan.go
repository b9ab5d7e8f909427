package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"cba-go/internal/cba"
)

// Scanner is the scan loop body. Each pass walks every source location and
// reconciles the Index with what is on disk.
type Scanner struct {
	fsmgr   cba.FilesystemManager
	clock   cba.Clock
	logger  cba.Logger
	metrics Metrics
}

// NewScanner creates a Scanner. A nil metrics discards events.
func NewScanner(fsmgr cba.FilesystemManager, clock cba.Clock, logger cba.Logger, metrics Metrics) *Scanner {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scanner{fsmgr: fsmgr, clock: clock, logger: logger.With("engine", "scan"), metrics: metrics}
}

var _ Body = (*Scanner)(nil)

// errStopped reports that a pass ended early at a stop checkpoint.
var errStopped = errors.New("stop requested")

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Iterate scans every source once. A source whose walk fails is logged and
// skipped; Index failures abort the pass.
func (s *Scanner) Iterate(ctx context.Context, index cba.Index, stop <-chan struct{}) (bool, error) {
	sources, err := index.GetAllSourceLocations(ctx)
	if err != nil {
		return false, fmt.Errorf("listing sources: %w", err)
	}

	for _, src := range sources {
		if stopping(stop) {
			return false, nil
		}
		err := s.scanSource(ctx, index, src, stop)
		switch {
		case errors.Is(err, errStopped):
			return false, nil
		case errors.Is(err, cba.ErrStoreUnavailable):
			return false, fmt.Errorf("scanning %s: %w", src.Path, err)
		case err != nil:
			s.logger.Warn("source scan failed", "source", src.ID, "path", src.Path, "error", err)
		}
	}

	now := s.clock.Now()
	if err := index.SetOption(ctx, cba.OptionLastScanCompleted, now.UTC().Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("recording scan completion: %w", err)
	}
	s.metrics.ScanCompleted()
	s.logger.Debug("scan pass complete", "sources", len(sources))
	return true, nil
}

func (s *Scanner) scanSource(ctx context.Context, index cba.Index, src *cba.SourceLocation, stop <-chan struct{}) error {
	active, err := index.ListActiveBackupFiles(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("listing tracked files: %w", err)
	}

	seen := make(map[string]bool)
	stopped := false
	walkErr := s.fsmgr.Walk(src.Path, func(p *cba.Path) error {
		if stopping(stop) {
			stopped = true
			return fs.SkipAll
		}
		if ok, _ := filepath.Match(src.Filter, filepath.Base(p.String())); !ok {
			return nil
		}
		seen[p.String()] = true
		return s.reconcile(ctx, index, src, p, active)
	})
	if walkErr != nil {
		return fmt.Errorf("walking %s: %w", src.Path, walkErr)
	}
	if stopped {
		return errStopped
	}

	for _, file := range active {
		if seen[file.FullPath] || file.Status == cba.FileRemoved || file.Status == cba.FileSuperseded {
			continue
		}
		file.Status = cba.FileRemoved
		if err := index.UpdateBackupFile(ctx, file); err != nil {
			return fmt.Errorf("marking %s removed: %w", file.FullPath, err)
		}
		s.logger.Info("file removed", "path", file.FullPath, "revision", file.Revision)
	}
	return nil
}

// reconcile brings the Index in line with one file on disk.
func (s *Scanner) reconcile(ctx context.Context, index cba.Index, src *cba.SourceLocation, p *cba.Path, active []*cba.BackupFile) error {
	info := p.Info()
	path := p.String()

	existing, err := index.GetBackupFile(ctx, path, info.Size(), info.ModTime())
	if err != nil {
		return fmt.Errorf("looking up %s: %w", path, err)
	}
	if existing != nil && existing.Status != cba.FileSuperseded {
		if existing.Status != cba.FileRemoved {
			return nil
		}
		existing.Status = cba.FileUnsynced
		existing.FailureCount = 0
		existing.RetryAfter = time.Time{}
		existing.LastError = ""
		if err := index.UpdateBackupFile(ctx, existing); err != nil {
			return fmt.Errorf("reviving %s: %w", path, err)
		}
		s.logger.Info("file reappeared", "path", path, "revision", existing.Revision)
		return nil
	}

	revision := 0
	latest, err := index.GetLatestRevision(ctx, path)
	if err != nil {
		return fmt.Errorf("looking up latest revision of %s: %w", path, err)
	}
	if latest != nil {
		revision = (latest.Revision + 1) % max(src.Revisions, 1)
	}
	if err := s.supersede(ctx, index, active, path, revision); err != nil {
		return err
	}

	file := &cba.BackupFile{
		SourceID:     src.ID,
		FullPath:     path,
		Size:         info.Size(),
		ModifiedAt:   info.ModTime(),
		Status:       cba.FileUnsynced,
		Priority:     src.Priority,
		Revision:     revision,
		DiscoveredAt: s.clock.Now(),
	}
	if err := index.AddBackupFile(ctx, file); err != nil {
		return fmt.Errorf("adding %s: %w", path, err)
	}
	s.metrics.FileDiscovered(src.Path)
	s.logger.Info("file discovered", "path", path, "size", file.Size, "revision", revision)
	return nil
}

// supersede retires the records a new revision of path replaces: any
// revision that never finished syncing, and whatever occupied the slot
// being reused.
func (s *Scanner) supersede(ctx context.Context, index cba.Index, active []*cba.BackupFile, path string, slot int) error {
	for _, file := range active {
		if file.FullPath != path || file.Status == cba.FileSuperseded || file.Status == cba.FileRemoved {
			continue
		}
		if !file.Status.Pending() && file.Revision != slot {
			continue
		}
		file.Status = cba.FileSuperseded
		if err := index.UpdateBackupFile(ctx, file); err != nil {
			return fmt.Errorf("superseding %s revision %d: %w", path, file.Revision, err)
		}
	}
	return nil
}
