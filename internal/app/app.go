package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cba-go/internal/cba"
	"cba-go/internal/config"
	"cba-go/internal/database"
	"cba-go/internal/engine"
	"cba-go/internal/fs"
	"cba-go/internal/metrics"
	"cba-go/internal/provider"
	"cba-go/internal/secrets"
)

const (
	// restartDelay is how long Run waits before restarting a failed loop.
	restartDelay = 30 * time.Second

	// shutdownTimeout bounds how long Run waits for the loops to exit.
	// A block upload in flight is allowed to finish.
	shutdownTimeout = 5 * time.Minute
)

// App is the application layer between the CLI and the agent.
// It constructs all dependencies from config, exposes the administrative
// Service, runs the scan and backup loops, and manages the Index lifecycle
// on Close.
type App struct {
	cfg     *config.Config
	store   *database.IndexStore
	secrets cba.SecretStore
	fsmgr   cba.FilesystemManager
	factory *provider.Factory
	service *cba.Service
	metrics *metrics.Collector
	logger  cba.Logger
	logFile *os.File
	clock   clock.Clock

	scan    *engine.Engine
	backup  *engine.Engine
	stopped chan *engine.Stopped
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fsmgr := fs.NewOSFilesystemManager(cfg.Filesystem.Ignore)

	secretStore, err := secrets.NewSecretStoreFromConfig(cfg.SecretsPath, cfg.ProtectionKey)
	if err != nil {
		return nil, fmt.Errorf("creating secret store: %w", err)
	}

	store, err := database.NewIndexStoreFromConfig(cfg.IndexPath, cba.RealClock{}, cba.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	factory := provider.NewFactory(secretStore)
	a := &App{
		cfg:     cfg,
		store:   store,
		secrets: secretStore,
		fsmgr:   fsmgr,
		factory: factory,
		service: cba.NewService(store.Primary(), secretStore, factory, fsmgr, logger, cba.RealClock{}),
		metrics: metrics.NewCollector(store.Primary(), logger),
		logger:  logger,
		logFile: logFile,
		clock:   clock.WallClock,
		stopped: make(chan *engine.Stopped, 4),
	}

	if err := a.newEngines(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newEngines() error {
	e := a.cfg.Engine
	scanner := engine.NewScanner(a.fsmgr, cba.RealClock{}, a.logger, a.metrics)
	backup := engine.NewBackup(engine.BackupConfig{
		BlockSize:       e.BlockSize,
		BlockAttempts:   e.BlockAttempts,
		BlockRetryDelay: e.BlockRetryDelay.Duration,
		CallTimeout:     e.CallTimeout.Duration,
		FailureBackoff:  e.FailureBackoff.Duration,
	}, a.factory, a.fsmgr, a.clock, a.logger, a.metrics)

	notify := func(s *engine.Stopped) {
		select {
		case a.stopped <- s:
		default:
			// Nobody is running the loops; Run is not draining.
		}
	}

	var err error
	a.scan, err = engine.New(engine.Config{
		Name:      "scan",
		Body:      scanner,
		Opener:    a.store.Opener(),
		Interval:  e.ScanInterval.Duration,
		Clock:     a.clock,
		Logger:    a.logger,
		OnStopped: notify,
	})
	if err != nil {
		return fmt.Errorf("creating scan loop: %w", err)
	}
	a.backup, err = engine.New(engine.Config{
		Name:      "backup",
		Body:      backup,
		Opener:    a.store.Opener(),
		Interval:  e.IdleInterval.Duration,
		Clock:     a.clock,
		Logger:    a.logger,
		OnStopped: notify,
	})
	if err != nil {
		return fmt.Errorf("creating backup loop: %w", err)
	}
	return nil
}

// Service returns the administrative operations.
func (a *App) Service() *cba.Service { return a.service }

// Factory returns the provider factory.
func (a *App) Factory() *provider.Factory { return a.factory }

// Logger returns the application logger.
func (a *App) Logger() cba.Logger { return a.logger }

// MetricsHandler serves the agent's metrics in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		a.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Run starts both loops and keeps them running until ctx is cancelled.
// A loop that fails is logged with its causal trace and restarted after a
// delay; the other loop keeps running.
func (a *App) Run(ctx context.Context) error {
	for _, e := range []*engine.Engine{a.scan, a.backup} {
		if _, err := e.BeginStart(); err != nil {
			return fmt.Errorf("starting %s loop: %w", e.Name(), err)
		}
	}
	a.logger.Info("agent started", "index", a.cfg.IndexPath)

	restart := make(map[string]<-chan time.Time)
	for {
		scanRestart, backupRestart := restart[a.scan.Name()], restart[a.backup.Name()]
		select {
		case <-ctx.Done():
			return a.shutdown()

		case s := <-a.stopped:
			if s.Reason != engine.ReasonFailed {
				continue
			}
			a.logger.Error("loop failed", "engine", s.Engine, "error", s.Err, "trace", strings.Join(s.Trace, " <- "))
			restart[s.Engine] = a.clock.After(restartDelay)

		case <-scanRestart:
			delete(restart, a.scan.Name())
			a.start(a.scan)

		case <-backupRestart:
			delete(restart, a.backup.Name())
			a.start(a.backup)
		}
	}
}

func (a *App) start(e *engine.Engine) {
	if _, err := e.BeginStart(); err != nil && !errors.Is(err, engine.ErrAlreadyRunning) {
		a.logger.Error("failed to restart loop", "engine", e.Name(), "error", err)
		return
	}
	a.logger.Info("loop restarted", "engine", e.Name())
}

// shutdown asks both loops to stop and waits for them to exit.
func (a *App) shutdown() error {
	var tasks []*engine.Task
	for _, e := range []*engine.Engine{a.scan, a.backup} {
		if t := e.Task(); t != nil {
			tasks = append(tasks, t)
		}
		e.BeginStop()
	}

	deadline := a.clock.After(shutdownTimeout)
	var errs []error
	for _, t := range tasks {
		select {
		case <-t.Done():
			if r := t.Result(); r.Reason == engine.ReasonFailed {
				errs = append(errs, fmt.Errorf("%s loop: %w", r.Engine, r.Err))
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s loop to stop", t.Engine())
		}
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// Close closes the Index and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing index: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
