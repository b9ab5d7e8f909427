package engine

import (
	"sync"

	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// Task is one start/stop cycle of an Engine.
type Task struct {
	tomb   tomb.Tomb
	engine string
	stack  string // set by the task goroutine on panic

	once   sync.Once
	done   chan struct{}
	result *Stopped
}

// Compile-time check that Task implements worker.Worker interface
var _ worker.Worker = (*Task)(nil)

func newTask(engine string) *Task {
	return &Task{engine: engine, done: make(chan struct{})}
}

// Engine returns the name of the engine running the task.
func (t *Task) Engine() string { return t.engine }

// Kill is part of the worker.Worker interface. It requests a stop and
// returns immediately.
func (t *Task) Kill() {
	t.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. It blocks until the loop has
// exited and returns the failure, or nil after a requested stop.
func (t *Task) Wait() error {
	<-t.done
	return t.result.Err
}

// Done is closed once the Stopped result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the Stopped notification, or nil while the loop is still running.
func (t *Task) Result() *Stopped {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

func (t *Task) complete(result *Stopped) {
	t.once.Do(func() {
		t.result = result
		close(t.done)
	})
}
