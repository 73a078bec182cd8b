// Package watchdog implements re-armable one-shot timers whose firings run on
// the arbitration loop.
package watchdog

import (
	"sync"
	"time"

	"github.com/harunnryd/voxarb/pkg/eventloop"
)

// Scheduler posts a delayed function into a serialized context.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) eventloop.Cancel
}

// Timer fires fn once per arming. Arming again replaces the pending firing;
// a firing already queued on the loop from an older arming is dropped.
type Timer struct {
	name     string
	duration time.Duration
	fn       func()
	sched    Scheduler

	mu     sync.Mutex
	gen    uint64
	armed  bool
	cancel eventloop.Cancel
}

// New creates a disarmed timer.
func New(sched Scheduler, name string, d time.Duration, fn func()) *Timer {
	return &Timer{name: name, duration: d, fn: fn, sched: sched}
}

// Name is used in logs and metrics.
func (t *Timer) Name() string { return t.name }

// Duration is the default arming duration.
func (t *Timer) Duration() time.Duration { return t.duration }

// Arm schedules a firing after the default duration.
func (t *Timer) Arm() { t.ArmFor(t.duration) }

// ArmFor schedules a firing after d, replacing any pending one.
// A non-positive d disarms the timer.
func (t *Timer) ArmFor(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	if d <= 0 || t.sched == nil {
		return
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.cancel = t.sched.AfterFunc(d, func() { t.fire(gen) })
}

// Disarm cancels the pending firing, if any.
func (t *Timer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Pending reports whether a firing is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.armed = false
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.cancel = nil
	t.mu.Unlock()
	if t.fn != nil {
		t.fn()
	}
}
