package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"

	"cba-go/internal/cba"
	"cba-go/internal/testutil"
)

const testTimeout = 5 * time.Second

// funcBody adapts a function to Body and counts passes.
type funcBody struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, stop <-chan struct{}) (bool, error)
}

func (b *funcBody) Iterate(_ context.Context, _ cba.Index, stop <-chan struct{}) (bool, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	return b.fn(call, stop)
}

func (b *funcBody) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func idleBody() *funcBody {
	return &funcBody{fn: func(int, <-chan struct{}) (bool, error) { return true, nil }}
}

func newTestEngine(t *testing.T, body Body, opts ...func(*Config)) *Engine {
	t.Helper()
	store := testutil.NewTestIndexStore(t, ":memory:", testutil.FixedClock())
	cfg := Config{
		Name:     "test",
		Body:     body,
		Opener:   store.Opener(),
		Interval: 5 * time.Millisecond,
		Clock:    clock.WallClock,
		Logger:   cba.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func waitDone(t *testing.T, task *Task) *Stopped {
	t.Helper()
	select {
	case <-task.Done():
		return task.Result()
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the engine to stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Name:     "scan",
		Body:     idleBody(),
		Opener:   func(context.Context) (cba.Index, error) { return nil, nil },
		Interval: time.Second,
		Clock:    clock.WallClock,
		Logger:   cba.NewNopLogger(),
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }},
		{name: "missing body", mutate: func(c *Config) { c.Body = nil }},
		{name: "missing opener", mutate: func(c *Config) { c.Opener = nil }},
		{name: "zero interval", mutate: func(c *Config) { c.Interval = 0 }},
		{name: "missing clock", mutate: func(c *Config) { c.Clock = nil }},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid config error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, cba.ErrConfiguration) {
				t.Errorf("Validate() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestEngine_StartStop(t *testing.T) {
	body := idleBody()
	var notified []*Stopped
	var mu sync.Mutex
	e := newTestEngine(t, body, func(c *Config) {
		c.OnStopped = func(s *Stopped) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, s)
		}
	})

	if got := e.State(); got != StateStopped {
		t.Fatalf("initial State() = %s, want stopped", got)
	}

	for cycle := 1; cycle <= 2; cycle++ {
		task, err := e.BeginStart()
		if err != nil {
			t.Fatalf("cycle %d: BeginStart() error = %v", cycle, err)
		}
		waitFor(t, "running state", func() bool { return e.State() == StateRunning })
		waitFor(t, "an iteration", func() bool { return body.Calls() > 0 })

		if task.Result() != nil {
			t.Error("Result() should be nil while running")
		}

		e.BeginStop()
		result := waitDone(t, task)
		if result.Reason != ReasonStopRequested || result.Err != nil {
			t.Errorf("cycle %d: Stopped = %+v, want clean stop", cycle, result)
		}
		if result.Engine != "test" {
			t.Errorf("Stopped.Engine = %q, want test", result.Engine)
		}
		if err := task.Wait(); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		if got := e.State(); got != StateStopped {
			t.Errorf("State() after stop = %s, want stopped", got)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 {
		t.Errorf("OnStopped called %d times, want once per cycle", len(notified))
	}
}

func TestEngine_BeginStartWhileRunning(t *testing.T) {
	e := newTestEngine(t, idleBody())
	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	defer func() {
		e.BeginStop()
		waitDone(t, task)
	}()

	if _, err := e.BeginStart(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second BeginStart() error = %v, want ErrAlreadyRunning", err)
	}
	if e.Task() != task {
		t.Error("Task() does not return the live task")
	}
}

func TestEngine_BeginStopWhenStopped(t *testing.T) {
	e := newTestEngine(t, idleBody())
	e.BeginStop()
	if got := e.State(); got != StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestEngine_BeginStartDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	store := testutil.NewTestIndexStore(t, ":memory:", testutil.FixedClock())
	e := newTestEngine(t, idleBody(), func(c *Config) {
		c.Opener = func(ctx context.Context) (cba.Index, error) {
			<-release
			return store.Open(ctx)
		}
	})

	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	if got := e.State(); got != StateStarting {
		t.Errorf("State() before initialization = %s, want starting", got)
	}

	e.BeginStop()
	if got := e.State(); got != StateStopRequested {
		t.Errorf("State() after BeginStop = %s, want stop_requested", got)
	}
	close(release)

	result := waitDone(t, task)
	if result.Reason != ReasonStopRequested {
		t.Errorf("Stopped.Reason = %s, want stop_requested", result.Reason)
	}
}

func TestEngine_FailureReportsTrace(t *testing.T) {
	root := errors.New("disk on fire")
	body := &funcBody{fn: func(int, <-chan struct{}) (bool, error) {
		return false, fmt.Errorf("processing batch: %w", root)
	}}
	e := newTestEngine(t, body)

	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	result := waitDone(t, task)

	if result.Reason != ReasonFailed {
		t.Fatalf("Stopped.Reason = %s, want failed", result.Reason)
	}
	var failure *cba.EngineFailure
	if !errors.As(result.Err, &failure) {
		t.Fatalf("Stopped.Err = %T, want *cba.EngineFailure", result.Err)
	}
	if !errors.Is(result.Err, root) {
		t.Errorf("Stopped.Err does not wrap the root cause: %v", result.Err)
	}
	if got := strings.Join(result.Trace, " | "); !strings.Contains(got, "processing batch") || !strings.Contains(got, "disk on fire") {
		t.Errorf("Trace = %v, want both layers of the chain", result.Trace)
	}
	if err := task.Wait(); err == nil {
		t.Error("Wait() error = nil, want the failure")
	}
	if got := e.State(); got != StateFailed {
		t.Errorf("State() = %s, want failed", got)
	}

	// A failed engine can be started again.
	task, err = e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() after failure error = %v", err)
	}
	waitDone(t, task)
}

func TestEngine_PanicIsFailure(t *testing.T) {
	body := &funcBody{fn: func(int, <-chan struct{}) (bool, error) {
		panic("unexpected nil")
	}}
	e := newTestEngine(t, body)

	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	result := waitDone(t, task)

	if result.Reason != ReasonFailed {
		t.Fatalf("Stopped.Reason = %s, want failed", result.Reason)
	}
	var failure *cba.EngineFailure
	if !errors.As(result.Err, &failure) || failure.Stack == "" {
		t.Fatalf("Stopped.Err = %v, want an EngineFailure with a stack", result.Err)
	}
	if !strings.Contains(result.Trace[0], "unexpected nil") {
		t.Errorf("Trace[0] = %q, want the panic value", result.Trace[0])
	}
}

func TestEngine_RecoverableErrorsKeepRunning(t *testing.T) {
	body := &funcBody{fn: func(call int, _ <-chan struct{}) (bool, error) {
		if call <= 2 {
			return false, &cba.StoreError{Op: "reading", Err: errors.New("database is locked")}
		}
		return true, nil
	}}
	e := newTestEngine(t, body)

	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	waitFor(t, "recovery", func() bool { return body.Calls() >= 3 })
	if got := e.State(); got != StateRunning {
		t.Errorf("State() = %s, want running", got)
	}

	e.BeginStop()
	if result := waitDone(t, task); result.Reason != ReasonStopRequested {
		t.Errorf("Stopped.Reason = %s, want stop_requested", result.Reason)
	}
}

func TestEngine_OpenerFailure(t *testing.T) {
	e := newTestEngine(t, idleBody(), func(c *Config) {
		c.Opener = func(context.Context) (cba.Index, error) {
			return nil, errors.New("no such file")
		}
	})

	task, err := e.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	result := waitDone(t, task)
	if result.Reason != ReasonFailed {
		t.Errorf("Stopped.Reason = %s, want failed", result.Reason)
	}
}

func TestEngine_FailureDoesNotStopOther(t *testing.T) {
	failing := newTestEngine(t, &funcBody{fn: func(int, <-chan struct{}) (bool, error) {
		return false, errors.New("boom")
	}})
	healthy := newTestEngine(t, idleBody())

	ht, err := healthy.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}
	ft, err := failing.BeginStart()
	if err != nil {
		t.Fatalf("BeginStart() error = %v", err)
	}

	waitDone(t, ft)
	waitFor(t, "healthy engine running", func() bool { return healthy.State() == StateRunning })

	healthy.BeginStop()
	waitDone(t, ht)
}
