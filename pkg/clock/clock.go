// Package clock provides the injectable time and identifier sources used
// throughout the core. No other package reads ambient time or generates
// IDs directly: transitions take a time argument, and the executor owns a
// Clock and an IDGen.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGen supplies unique identifiers with a readable prefix.
type IDGen interface {
	NewID(prefix string) string
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// UUIDGen is the production IDGen backed by random UUIDs. The prefix
// keeps log lines and tmux session names recognizable.
type UUIDGen struct{}

// NewID returns "<prefix>-<first uuid group>".
func (UUIDGen) NewID(prefix string) string {
	id := uuid.NewString()
	return prefix + "-" + id[:8]
}

// Fake is a deterministic Clock for tests. Advance moves time forward;
// Now never moves on its own.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the pinned time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the pinned time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// SeqGen is a deterministic IDGen for tests: prefix-1, prefix-2, ...
type SeqGen struct {
	mu sync.Mutex
	n  int
}

// NewID returns the next sequential ID for prefix.
func (g *SeqGen) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", prefix, g.n)
}
