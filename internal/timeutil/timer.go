// Package timeutil provides Timer, a restartable one-shot timer that tracks its own
// deadline and guarantees a stopped or reset timer never runs a stale callback.
package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired and its callback was scheduled.
	TimerStateExpired TimerState = "expired"
)

// Timer is a one-shot timer that runs a callback in its own goroutine
// when the duration elapses, like [time.AfterFunc].
//
// Unlike [time.Timer], Stop and Reset invalidate any callback that was already
// dequeued by the runtime but not yet started: each arm has a generation,
// and a fire belonging to an older generation is dropped.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	state    TimerState
	gen      uint64
	callback func()
	rt       *time.Timer
}

// AfterFunc creates a started timer that calls f after d.
// A zero or negative d fires the callback almost immediately.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{callback: f}
	t.mu.Lock()
	t.armUnsafe(d)
	t.mu.Unlock()
	return t
}

func (t *Timer) armUnsafe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.gen++
	t.start = time.Now()
	t.duration = d
	t.state = TimerStateRunning

	gen := t.gen
	t.rt = time.AfterFunc(d, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.rt = nil
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop prevents the timer from firing.
// It returns true if the call stops the timer, false if the timer has already
// expired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}
	t.gen++
	t.state = TimerStateStopped
	if t.rt != nil {
		t.rt.Stop()
		t.rt = nil
	}
	return true
}

// Reset re-arms the timer to fire after d, starting from now.
// The callback is preserved. A pending fire of the previous arm is discarded.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rt != nil {
		t.rt.Stop()
		t.rt = nil
	}
	t.armUnsafe(d)
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the duration of the current arm.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// ExpiresAt returns the deadline of the current arm.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start.Add(t.duration)
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	if left := t.duration - time.Since(t.start); left > 0 {
		return left
	}
	return 0
}
