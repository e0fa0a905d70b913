// Package clock abstracts wall-clock time so schedulers and pacing can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and context-aware sleeping
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time { return time.Now() }

// Sleep waits for d using a timer
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually advanced clock. Sleep returns immediately and moves the
// clock forward by the requested duration, recording every call.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake creates a fake clock set to now
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Sleep records d and advances the clock without blocking
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	f.mu.Unlock()
	return nil
}

// Sleeps returns every duration passed to Sleep in call order
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

// SleepCount returns how many times Sleep was called
func (f *Fake) SleepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleeps)
}
