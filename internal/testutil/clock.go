package testutil

import (
	"fmt"
	"sync"
	"time"

	"labport/internal/transfer"
)

var (
	_ transfer.Clock       = (*StubClock)(nil)
	_ transfer.IDGenerator = (*StubIDGenerator)(nil)
)

// ClockStart is the first reading of a StepClock.
var ClockStart = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock advances by a fixed step after every reading, so consecutive sessions get
// distinct, ordered timestamps. Safe for concurrent use.
type StubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// StepClock returns a StubClock starting at ClockStart.
func StepClock(step time.Duration) *StubClock {
	return &StubClock{now: ClockStart, step: step}
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// StubIDGenerator returns sequential session IDs: "id-1", "id-2", etc.
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
