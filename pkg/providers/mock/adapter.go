// Package mock provides scriptable synthesis and recognition adapters.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
)

// Script controls how one adapter behaves.
type Script struct {
	// FactoryErr makes the factory fail instead of building an adapter.
	FactoryErr error
	// StartErr is returned from Start.
	StartErr error
	// NeverStart accepts Start but never emits Started or a terminal event.
	NeverStart bool
	// Hold emits Started and then waits for Stop or Cancel.
	Hold bool

	StartDelay  time.Duration
	ResultDelay time.Duration

	Partials    []string
	EndOfSpeech bool
	Transcripts []string
	Confidence  []float32
	Audio       []byte

	// Fail emits Failed with this code instead of Result.
	Fail *adapters.ErrorCode

	// Warmup makes the adapter a Warmer that becomes ready after the delay.
	// A negative value never becomes ready.
	Warmup time.Duration
}

// Failing is a helper for Script.Fail.
func Failing(code adapters.ErrorCode) *adapters.ErrorCode { return &code }

// Adapter is a scripted provider session.
type Adapter struct {
	req     adapters.Request
	script  Script
	created time.Time

	mu       sync.Mutex
	listener adapters.Listener
	started  bool
	stopped  bool
	canceled bool
	done     chan struct{}
	once     sync.Once
}

func newAdapter(req adapters.Request, script Script) *Adapter {
	return &Adapter{req: req, script: script, created: time.Now(), done: make(chan struct{})}
}

func (a *Adapter) Name() string { return "mock_" + a.req.Kind.String() }

// Request is what the factory was asked to build.
func (a *Adapter) Request() adapters.Request { return a.req }

func (a *Adapter) Start(ctx context.Context, l adapters.Listener) error {
	if a.script.StartErr != nil {
		return a.script.StartErr
	}
	if l == nil {
		return errors.New("listener required")
	}
	a.mu.Lock()
	a.listener = l
	a.started = true
	a.mu.Unlock()
	if a.script.NeverStart {
		return nil
	}
	go a.run(ctx)
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	if !a.wait(ctx, a.script.StartDelay) {
		return
	}
	id := a.req.UtteranceID
	a.Emit(adapters.Started{UtteranceID: id})
	for _, p := range a.script.Partials {
		a.Emit(adapters.Partial{UtteranceID: id, Payload: adapters.Payload{Texts: []string{p}}})
	}
	if a.script.EndOfSpeech {
		a.Emit(adapters.EndOfSpeech{UtteranceID: id})
	}
	if a.script.Hold {
		return
	}
	if !a.wait(ctx, a.script.ResultDelay) {
		return
	}
	if a.script.Fail != nil {
		a.Emit(adapters.Failed{UtteranceID: id, Code: *a.script.Fail})
		return
	}
	a.Emit(adapters.Result{UtteranceID: id, Payload: adapters.Payload{
		Texts:      a.script.Transcripts,
		Confidence: a.script.Confidence,
		Audio:      a.script.Audio,
	}})
}

func (a *Adapter) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-a.done:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-a.done:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Emit delivers ev to the listener given to Start. Tests use it to inject
// arbitrary events, including stale ones.
func (a *Adapter) Emit(ev adapters.Event) {
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l != nil {
		l.OnEvent(ev)
	}
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
}

func (a *Adapter) Cancel() {
	a.mu.Lock()
	a.canceled = true
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
}

func (a *Adapter) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Adapter) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *Adapter) Canceled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

// Released reports whether Stop or Cancel was called.
func (a *Adapter) Released() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// WarmAdapter is an Adapter that needs warm-up.
type WarmAdapter struct {
	*Adapter
}

func (w WarmAdapter) Ready() bool {
	if w.script.Warmup < 0 {
		return false
	}
	return time.Since(w.created) >= w.script.Warmup
}
