package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
)

// StubClock returns a fixed time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubWallClock is a clock.Clock whose timers are real but whose Now is
// read from a StubClock, so loops can wait briefly while every recorded
// timestamp stays deterministic.
type StubWallClock struct {
	clock.Clock
	Stub *StubClock
}

// NewStubWallClock wraps stub with the wall clock's timers.
func NewStubWallClock(stub *StubClock) *StubWallClock {
	return &StubWallClock{Clock: clock.WallClock, Stub: stub}
}

func (c *StubWallClock) Now() time.Time {
	return c.Stub.Now()
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
