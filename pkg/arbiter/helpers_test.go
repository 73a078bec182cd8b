package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/notify"
	"github.com/harunnryd/voxarb/pkg/providers/mock"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/state"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type captureListener struct {
	mu     sync.Mutex
	events []remote.Event
}

func (c *captureListener) OnUtteranceCompleted(id string) error {
	c.add(remote.Completed(id))
	return nil
}

func (c *captureListener) OnSpeechResults(p adapters.Payload, id string) error {
	c.add(remote.Results(id, p))
	return nil
}

func (c *captureListener) OnError(code errorsx.Code, id string) error {
	c.add(remote.Failure(id, code))
	return nil
}

func (c *captureListener) OnPartialResults(p adapters.Payload, id string) error {
	c.add(remote.Partial(id, p))
	return nil
}

func (c *captureListener) add(ev remote.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureListener) Events() []remote.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Event(nil), c.events...)
}

// find returns the first event matching kind and request id.
func (c *captureListener) find(kind remote.EventKind, id string) (remote.Event, bool) {
	for _, ev := range c.Events() {
		if ev.Kind == kind && ev.RequestID == id {
			return ev, true
		}
	}
	return remote.Event{}, false
}

func (c *captureListener) count(kind remote.EventKind, id string) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Kind == kind && ev.RequestID == id {
			n++
		}
	}
	return n
}

func (c *captureListener) waitEvent(t *testing.T, kind remote.EventKind, id string) remote.Event {
	t.Helper()
	var got remote.Event
	require.Eventually(t, func() bool {
		ev, ok := c.find(kind, id)
		got = ev
		return ok
	}, waitFor, tick, "waiting for %s on %q, have %+v", kind, id, c.Events())
	return got
}

func (c *captureListener) waitError(t *testing.T, id string, code errorsx.Code) {
	t.Helper()
	ev := c.waitEvent(t, remote.EventError, id)
	require.Equal(t, code, ev.Code)
}

type captureNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notice) error {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notices)
}

type stateLog struct {
	mu      sync.Mutex
	changes []state.StateChange
}

func (s *stateLog) OnStateChange(ev state.StateChange) {
	s.mu.Lock()
	s.changes = append(s.changes, ev)
	s.mu.Unlock()
}

func (s *stateLog) transitions(res state.Resource) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.changes {
		if c.Resource == res {
			out = append(out, c.From+"->"+c.To)
		}
	}
	return out
}

type fakeHotword struct {
	running atomic.Bool
	calls   atomic.Int32
}

func (f *fakeHotword) Start() error {
	f.calls.Add(1)
	f.running.Store(true)
	return nil
}

func (f *fakeHotword) Stop() error {
	f.calls.Add(1)
	f.running.Store(false)
	return nil
}

func (f *fakeHotword) Running() bool { return f.running.Load() }

type harness struct {
	a        *Arbiter
	speech   *mock.Recorder
	recog    *mock.Recorder
	rawmic   *mock.Recorder
	local    *captureListener
	obs      *metrics.MemoryObserver
	notices  *captureNotifier
	states   *stateLog
	hotword  *fakeHotword
	localKey map[string]string
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		speech:   mock.NewRecorder(mock.Script{ResultDelay: 20 * time.Millisecond}),
		recog:    mock.NewRecorder(mock.Script{Transcripts: []string{"hello"}, Confidence: []float32{0.9}}),
		rawmic:   mock.NewRecorder(mock.Script{Audio: []byte{1, 2, 3}}),
		local:    &captureListener{},
		obs:      metrics.NewMemoryObserver(),
		notices:  &captureNotifier{},
		states:   &stateLog{},
		hotword:  &fakeHotword{},
		localKey: map[string]string{"api_key": "local"},
	}
	opts := Options{
		Factories: FactoryMap{
			adapters.KindSpeech: {adapters.ProviderMock: h.speech.Factory()},
			adapters.KindRecognition: {
				adapters.ProviderMock:   h.recog.Factory(),
				adapters.ProviderRawMic: h.rawmic.Factory(),
			},
		},
		Credentials: func(adapters.Kind, string) map[string]string {
			return h.localKey
		},
		Local:          h.local,
		Notifier:       h.notices,
		Hotword:        h.hotword,
		Observer:       h.obs,
		EngineTimeout:  time.Second,
		StatusTimeout:  time.Hour,
		WarmupInterval: 10 * time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	a.Registers().AddListener(h.states)
	h.a = a
	t.Cleanup(a.Close)
	return h
}

func (h *harness) waitSpeech(t *testing.T, want state.Speech) {
	t.Helper()
	require.Eventually(t, func() bool { return h.a.Snapshot().Speech == want }, waitFor, tick)
}

func (h *harness) waitRecognition(t *testing.T, want state.Recognition) {
	t.Helper()
	require.Eventually(t, func() bool { return h.a.Snapshot().Recognition == want }, waitFor, tick)
}

// waitStarted waits for the n-th built adapter of rec to have been started.
func waitStarted(t *testing.T, rec *mock.Recorder, n int) *mock.Adapter {
	t.Helper()
	var got *mock.Adapter
	require.Eventually(t, func() bool {
		built := rec.Built()
		if len(built) < n {
			return false
		}
		got = built[n-1]
		return got.Started()
	}, waitFor, tick)
	return got
}

// drain waits until everything posted so far has run on the loop.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.a.Status(context.Background())
	require.NoError(t, err)
}

func resultFor(a *mock.Adapter, text string) adapters.Result {
	return adapters.Result{
		UtteranceID: a.Request().UtteranceID,
		Payload:     adapters.Payload{Texts: []string{text}},
	}
}
