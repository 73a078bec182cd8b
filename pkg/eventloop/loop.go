// Package eventloop provides the single serialized execution context that
// owns arbitration state, plus helpers to run background work that reports
// back into it.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when work is posted after Close.
var ErrClosed = errors.New("event loop closed")

// Cancel stops a scheduled firing. It reports whether the firing was
// prevented.
type Cancel func() bool

// Loop executes posted functions one at a time in FIFO order.
type Loop struct {
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	bg     sync.WaitGroup
	bgCtx  context.Context
	bgStop context.CancelFunc
	logger *slog.Logger
}

// New starts a loop with the given queue depth.
func New(depth int, logger *slog.Logger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		tasks:  make(chan func(), depth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		bgCtx:  ctx,
		bgStop: cancel,
		logger: logger,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event_loop_panic", "panic", r)
		}
	}()
	fn()
}

// Post enqueues fn. It returns false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do posts fn and waits for it to run. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn into the loop once d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Go runs fn on a background goroutine. The context is canceled by Close.
func (l *Loop) Go(fn func(ctx context.Context)) {
	select {
	case <-l.quit:
		return
	default:
	}
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("background_task_panic", "panic", r)
			}
		}()
		fn(l.bgCtx)
	}()
}

// Context is canceled when the loop closes.
func (l *Loop) Context() context.Context {
	return l.bgCtx
}

// Close stops the loop and waits for background tasks up to timeout.
// Pending posted work that has not started is dropped.
func (l *Loop) Close(timeout time.Duration) {
	l.once.Do(func() {
		close(l.quit)
		l.bgStop()
	})
	<-l.done
	waited := make(chan struct{})
	go func() {
		l.bg.Wait()
		close(waited)
	}()
	if timeout <= 0 {
		<-waited
		return
	}
	select {
	case <-waited:
	case <-time.After(timeout):
		l.logger.Warn("event_loop_drain_timeout", "timeout", timeout)
	}
}
