package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// dropLogEvery throttles the drop warning to one line per this many drops.
const dropLogEvery = 100

// AsyncObserver hands events to a background goroutine so the arbitration
// loop never waits on the timeline file or a slow registry. A full buffer
// drops the event.
type AsyncObserver struct {
	inner  Observer
	events chan MetricsEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	logger  *slog.Logger
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = Fanout(nil)
	}
	a := &AsyncObserver{
		inner:  inner,
		events: make(chan MetricsEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// WithDropLog reports dropped events on logger.
func (a *AsyncObserver) WithDropLog(logger *slog.Logger) *AsyncObserver {
	a.logger = logger
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		n := a.dropped.Add(1)
		if a.logger != nil && n%dropLogEvery == 1 {
			a.logger.Warn("metrics_event_dropped", "event", ev.Name, "dropped_total", n)
		}
	}
}

// Dropped counts events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Pending is the number of buffered events not yet delivered.
func (a *AsyncObserver) Pending() int {
	return len(a.events)
}

// Close refuses further events and returns once the buffer has been
// delivered. Safe to call more than once.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for ev := range a.events {
		a.inner.RecordEvent(ev)
	}
}
