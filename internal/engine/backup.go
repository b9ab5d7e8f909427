package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"cba-go/internal/cba"
)

// BackupConfig tunes the backup loop.
type BackupConfig struct {
	BlockSize       int64
	BlockAttempts   int
	BlockRetryDelay time.Duration
	CallTimeout     time.Duration // per provider call; zero means no limit
	FailureBackoff  time.Duration // first RetryAfter delay; doubles per failure
	MaxBackoff      time.Duration
}

func (c *BackupConfig) applyDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = cba.DefaultBlockSize
	}
	if c.BlockAttempts <= 0 {
		c.BlockAttempts = 1
	}
	if c.BlockRetryDelay <= 0 {
		c.BlockRetryDelay = time.Second
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 24 * time.Hour
	}
}

// Backup is the backup loop body. Each pass transfers the next pending
// file to every registered provider.
type Backup struct {
	cfg     BackupConfig
	factory cba.ProviderFactory
	fsmgr   cba.FilesystemManager
	clock   clock.Clock
	logger  cba.Logger
	metrics Metrics
}

var _ Body = (*Backup)(nil)

// NewBackup creates a Backup. A nil metrics discards events.
func NewBackup(cfg BackupConfig, factory cba.ProviderFactory, fsmgr cba.FilesystemManager, clk clock.Clock, logger cba.Logger, metrics Metrics) *Backup {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Backup{
		cfg:     cfg,
		factory: factory,
		fsmgr:   fsmgr,
		clock:   clk,
		logger:  logger.With("engine", "backup"),
		metrics: metrics,
	}
}

// Iterate backs up one file. It is idle when no provider is registered or
// no file is due.
func (b *Backup) Iterate(ctx context.Context, index cba.Index, stop <-chan struct{}) (bool, error) {
	regs, err := index.ListProviders(ctx)
	if err != nil {
		return false, fmt.Errorf("listing providers: %w", err)
	}
	if len(regs) == 0 {
		return true, nil
	}

	file, err := index.GetNextFileToBackup(ctx)
	if err != nil {
		return false, fmt.Errorf("selecting next file: %w", err)
	}
	if file == nil {
		return true, nil
	}

	err = b.backupFile(ctx, index, file, regs, stop)
	if errors.Is(err, errStopped) {
		return false, nil
	}
	return false, err
}

func (b *Backup) backupFile(ctx context.Context, index cba.Index, file *cba.BackupFile, regs []*cba.ProviderRegistration, stop <-chan struct{}) error {
	logger := b.logger.With("file", file.FullPath, "revision", file.Revision)

	src, err := index.GetSourceLocation(ctx, file.SourceID)
	if err != nil {
		return fmt.Errorf("loading source %d: %w", file.SourceID, err)
	}
	if src == nil {
		// Not found
		return b.retire(ctx, index, file, cba.FileRemoved, logger)
	}

	info, err := b.fsmgr.Stat(file.FullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return b.retire(ctx, index, file, cba.FileRemoved, logger)
	}
	if err != nil {
		return b.recordFailure(ctx, index, file, fmt.Errorf("stat %s: %w", file.FullPath, err), logger)
	}
	if info.Size() != file.Size || info.ModTime().UnixNano() != file.ModifiedAt.UnixNano() {
		return b.retire(ctx, index, file, cba.FileSuperseded, logger)
	}

	reader, err := b.fsmgr.Open(file.FullPath)
	if err != nil {
		return b.recordFailure(ctx, index, file, fmt.Errorf("opening %s: %w", file.FullPath, err), logger)
	}
	defer reader.Close()

	hash, err := hashFile(reader)
	if err != nil {
		return b.recordFailure(ctx, index, file, fmt.Errorf("hashing %s: %w", file.FullPath, err), logger)
	}
	if file.Hash != "" && file.Hash != hash {
		logger.Info("content changed since last attempt, restarting transfer")
		file.Providers = nil
	}
	file.Hash = hash
	file.HashAlgorithm = cba.HashAlgorithmSHA256
	file.Status = cba.FileInProgress

	var failures []error
	for _, reg := range regs {
		if file.ProviderState(reg.Name).Status == cba.SyncSynced {
			continue
		}
		err := b.syncProvider(ctx, index, file, reader, reg, src.Path, stop, logger)
		if errors.Is(err, errStopped) {
			if err := index.UpdateBackupFile(ctx, file); err != nil {
				logger.Warn("failed to record progress at stop", "error", err)
			}
			return err
		}
		if errors.Is(err, cba.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			b.metrics.FileFailed(reg.Name)
			logger.Warn("provider transfer failed", "provider", reg.Name, "error", err)
			failures = append(failures, fmt.Errorf("provider %s: %w", reg.Name, err))
		}
	}
	if len(failures) > 0 {
		return b.recordFailure(ctx, index, file, errors.Join(failures...), logger)
	}

	file.Status = cba.FileSynced
	file.FailureCount = 0
	file.RetryAfter = time.Time{}
	file.LastError = ""
	if err := index.UpdateBackupFile(ctx, file); err != nil {
		return fmt.Errorf("recording %s synced: %w", file.FullPath, err)
	}
	logger.Info("file synced", "providers", len(regs), "size", file.Size)
	return nil
}

// syncProvider brings one provider up to date with file, resuming from the
// provider's own committed state.
func (b *Backup) syncProvider(ctx context.Context, index cba.Index, file *cba.BackupFile, reader io.ReaderAt, reg *cba.ProviderRegistration, directory string, stop <-chan struct{}, logger cba.Logger) error {
	provider, err := b.factory.New(ctx, reg)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	var status *cba.ProviderFileStatus
	err = b.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = provider.GetFileStatus(ctx, file, directory)
		return err
	})
	if err != nil {
		return fmt.Errorf("reading remote status: %w", err)
	}

	total := cba.TotalBlocks(file.Size, b.cfg.BlockSize)
	next := status.NextBlock()
	if status.Status != cba.SyncUnsynced && status.Hash != file.Hash {
		logger.Info("remote content differs, restarting transfer", "provider", reg.Name)
		next = 0
	} else if status.Status == cba.SyncSynced {
		next = total
	} else if next > 0 && status.BlockSize != b.cfg.BlockSize {
		logger.Info("remote blocks cut with a different block size, restarting transfer",
			"provider", reg.Name, "remote_block_size", status.BlockSize, "block_size", b.cfg.BlockSize)
		next = 0
	}
	if status.Status != cba.SyncSynced && next >= total {
		next = 0
	}
	if next > 0 && next < total {
		logger.Info("resuming transfer", "provider", reg.Name, "block", next, "blocks", total)
	}

	buf := make([]byte, b.cfg.BlockSize)
	for i := next; i < total; i++ {
		if stopping(stop) {
			return errStopped
		}

		offset := i * b.cfg.BlockSize
		want := min(b.cfg.BlockSize, file.Size-offset)
		n, err := reader.ReadAt(buf[:want], offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == want) {
			return fmt.Errorf("reading block %d: %w", i, err)
		}
		data := buf[:n]

		if err := b.uploadBlock(ctx, provider, file, directory, data, i, total, stop, logger); err != nil {
			return err
		}
		b.metrics.BlockUploaded(reg.Name, n)

		st := cba.ProviderState{Status: cba.SyncInProgress, LastCommittedBlock: i, UpdatedAt: b.clock.Now()}
		if i == total-1 {
			st.Status = cba.SyncSynced
		}
		file.SetProviderState(reg.Name, st)
		if i < total-1 {
			if err := index.UpdateBackupFile(ctx, file); err != nil {
				return fmt.Errorf("recording progress: %w", err)
			}
		}
	}

	if next >= total {
		file.SetProviderState(reg.Name, cba.ProviderState{
			Status:             cba.SyncSynced,
			LastCommittedBlock: total - 1,
			UpdatedAt:          b.clock.Now(),
		})
	}
	b.metrics.FileSynced(reg.Name)
	return nil
}

// uploadBlock sends one block, retrying transient failures with a doubling
// delay. A stop request is honored only between attempts.
func (b *Backup) uploadBlock(ctx context.Context, provider cba.Provider, file *cba.BackupFile, directory string, data []byte, index, total int64, stop <-chan struct{}, logger cba.Logger) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return b.call(ctx, func(ctx context.Context) error {
				return provider.UploadFileBlock(ctx, file, directory, data, index, total)
			})
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, cba.ErrValidation) || errors.Is(err, cba.ErrAuthentication)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("block upload failed", "provider", provider.Name(), "block", index, "attempt", attempt, "error", err)
		},
		Attempts:    b.cfg.BlockAttempts,
		Delay:       b.cfg.BlockRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.clock,
		Stop:        stop,
	})
	if retry.IsRetryStopped(err) {
		return errStopped
	}
	if err != nil {
		return fmt.Errorf("uploading block %d of %d: %w", index, total, retry.LastError(err))
	}
	return nil
}

// call runs a provider call detached from loop cancellation, bounded by
// the configured call timeout.
func (b *Backup) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// retire takes a file out of scheduling because it no longer matches disk.
func (b *Backup) retire(ctx context.Context, index cba.Index, file *cba.BackupFile, status cba.FileStatus, logger cba.Logger) error {
	file.Status = status
	if err := index.UpdateBackupFile(ctx, file); err != nil {
		return fmt.Errorf("marking %s %s: %w", file.FullPath, status, err)
	}
	logger.Info("file no longer matches disk", "status", status)
	return nil
}

// recordFailure keeps the file pending and pushes its next attempt back,
// doubling the delay with every consecutive failure.
func (b *Backup) recordFailure(ctx context.Context, index cba.Index, file *cba.BackupFile, cause error, logger cba.Logger) error {
	file.FailureCount++
	delay := b.cfg.FailureBackoff
	for i := 1; i < file.FailureCount && delay < b.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, b.cfg.MaxBackoff)

	file.RetryAfter = b.clock.Now().Add(delay)
	file.LastError = cause.Error()
	if file.Status != cba.FileInProgress {
		file.Status = cba.FileUnsynced
	}
	if err := index.UpdateBackupFile(ctx, file); err != nil {
		return fmt.Errorf("recording failure of %s: %w", file.FullPath, err)
	}
	logger.Warn("backup attempt failed", "failures", file.FailureCount, "retry_after", file.RetryAfter, "error", cause)
	return nil
}

func hashFile(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
