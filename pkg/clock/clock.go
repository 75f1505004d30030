// Package clock supplies wall-clock time and sortable 128-bit IDs to the
// rest of the core. Components take a Clock at construction so tests can
// substitute a deterministic one.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current UTC time. The zero value is not usable; use
// System or a Fake.
type Clock func() time.Time

// System returns the real wall clock at nanosecond resolution, in UTC.
func System() Clock {
	return func() time.Time { return time.Now().UTC() }
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake starts a fake clock at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new instant.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set jumps the clock to the given instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Clock adapts the fake to the Clock type.
func (f *Fake) Clock() Clock {
	return f.Now
}
