package timex

import (
	"sync"
	"time"
)

// Clock is the time source for busy-waits and schedule bookkeeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System is the wall clock. time.Now carries a monotonic reading, so
// deadlines computed from it are immune to wall-clock steps.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manual clock. Sleep advances it instantly.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
	hooks []func(time.Time)
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	f.Advance(d)
	f.mu.Lock()
	f.slept += d
	f.mu.Unlock()
}

// Advance moves the clock forward and runs registered hooks.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	hooks := append([]func(time.Time){}, f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(now)
	}
}

// OnAdvance registers fn to run after every Advance.
func (f *Fake) OnAdvance(fn func(time.Time)) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// Slept returns the total duration passed to Sleep.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}
