// Package engine runs the agent's long-lived loops. Each Engine drives one
// loop body (scan or backup) through a start/stop state machine and reports
// every exit through a single Stopped result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"cba-go/internal/cba"
)

// State is the lifecycle state of an Engine.
type State string

const (
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopRequested State = "stop_requested"
	StateFailed        State = "failed"
)

// Reason says why a loop exited.
type Reason string

const (
	ReasonStopRequested Reason = "stop_requested"
	ReasonFailed        Reason = "failed"
)

// Stopped is the notification raised once per start/stop cycle.
type Stopped struct {
	Engine string
	Reason Reason
	Err    error    // *cba.EngineFailure when Reason is ReasonFailed
	Trace  []string // causal chain of Err, outermost first
}

// ErrAlreadyRunning is returned by BeginStart while a previous cycle is still live.
var ErrAlreadyRunning = errors.New("engine already running")

// Body is the work of one loop.
type Body interface {
	// Iterate runs one pass. It reports idle when there was nothing to do,
	// so the loop waits for its interval before the next pass. It must
	// return promptly once stop is closed, only between units of work.
	Iterate(ctx context.Context, index cba.Index, stop <-chan struct{}) (idle bool, err error)
}

// Config holds an Engine's dependencies.
type Config struct {
	Name     string
	Body     Body
	Opener   cba.IndexOpener
	Interval time.Duration // wait after an idle or failed pass
	Clock    clock.Clock
	Logger   cba.Logger

	// OnStopped, if set, is called with every Stopped notification.
	OnStopped func(*Stopped)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: engine name required", cba.ErrConfiguration)
	case c.Body == nil:
		return fmt.Errorf("%w: engine %s: missing body", cba.ErrConfiguration, c.Name)
	case c.Opener == nil:
		return fmt.Errorf("%w: engine %s: missing index opener", cba.ErrConfiguration, c.Name)
	case c.Interval <= 0:
		return fmt.Errorf("%w: engine %s: interval must be positive", cba.ErrConfiguration, c.Name)
	case c.Clock == nil:
		return fmt.Errorf("%w: engine %s: missing clock", cba.ErrConfiguration, c.Name)
	case c.Logger == nil:
		return fmt.Errorf("%w: engine %s: missing logger", cba.ErrConfiguration, c.Name)
	}
	return nil
}

// Engine is the state machine around one loop.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state State
	task  *Task
	cycle int
}

// New creates a stopped Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, state: StateStopped}, nil
}

// Name returns the engine name.
func (e *Engine) Name() string { return e.cfg.Name }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BeginStart launches the loop and returns its task without waiting for
// initialization. A stopped or failed engine can be started again.
func (e *Engine) BeginStart() (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task != nil {
		return nil, fmt.Errorf("%s: %w (state %s)", e.cfg.Name, ErrAlreadyRunning, e.state)
	}
	e.cycle++
	e.state = StateStarting
	t := newTask(e.cfg.Name)
	e.task = t

	cycle := e.cycle
	t.tomb.Go(func() error { return e.run(t, cycle) })
	go e.finish(t)
	return t, nil
}

// BeginStop asks the loop to exit at its next checkpoint and returns
// immediately. Stopping an engine that is not running is a no-op.
func (e *Engine) BeginStop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task == nil {
		return
	}
	if e.state == StateStarting || e.state == StateRunning {
		e.state = StateStopRequested
	}
	e.task.Kill()
}

// Task returns the live task, or nil when the engine is not running.
func (e *Engine) Task() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

func (e *Engine) setRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStarting {
		e.state = StateRunning
	}
}

// run is the task goroutine. A panic in the body becomes the task's error.
func (e *Engine) run(t *Task, cycle int) (err error) {
	logger := e.cfg.Logger.With("engine", e.cfg.Name, "cycle", cycle)
	defer func() {
		if r := recover(); r != nil {
			t.stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := context.Background()
	index, err := e.cfg.Opener(ctx)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if cerr := index.Close(); cerr != nil {
			logger.Warn("failed to close index handle", "error", cerr)
		}
	}()

	select {
	case <-t.tomb.Dying():
		return tomb.ErrDying
	default:
	}
	e.setRunning()
	logger.Info("engine started")

	for {
		idle, err := e.cfg.Body.Iterate(ctx, index, t.tomb.Dying())
		if err != nil {
			if !cba.IsRecoverable(err) {
				return err
			}
			logger.Warn("iteration failed, retrying", "error", err, "retry_in", e.cfg.Interval)
			idle = true
		}

		if !idle {
			select {
			case <-t.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			continue
		}
		select {
		case <-t.tomb.Dying():
			return tomb.ErrDying
		case <-e.cfg.Clock.After(e.cfg.Interval):
		}
	}
}

// finish waits for the task to die and publishes its single Stopped result.
func (e *Engine) finish(t *Task) {
	err := t.tomb.Wait()

	result := &Stopped{Engine: e.cfg.Name, Reason: ReasonStopRequested}
	if err != nil {
		failure := &cba.EngineFailure{Engine: e.cfg.Name, Err: err, Stack: t.stack}
		result.Reason = ReasonFailed
		result.Err = failure
		result.Trace = failure.Trace()
	}

	e.mu.Lock()
	if result.Reason == ReasonFailed {
		e.state = StateFailed
	} else {
		e.state = StateStopped
	}
	e.task = nil
	e.mu.Unlock()

	if result.Reason == ReasonFailed {
		e.cfg.Logger.Error("engine failed", "engine", e.cfg.Name, "error", err)
	} else {
		e.cfg.Logger.Info("engine stopped", "engine", e.cfg.Name)
	}

	t.complete(result)
	if e.cfg.OnStopped != nil {
		e.cfg.OnStopped(result)
	}
}
