package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/audio"
)

type fakeStream struct {
	connect  bool
	delay    time.Duration
	mu       sync.Mutex
	streamed []byte
	stopped  bool
}

func (f *fakeStream) Connect() bool {
	time.Sleep(f.delay)
	return f.connect
}

func (f *fakeStream) Stream(r io.Reader) error {
	b, err := io.ReadAll(r)
	f.mu.Lock()
	f.streamed = append(f.streamed, b...)
	f.mu.Unlock()
	return err
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type dialRecord struct {
	mu   sync.Mutex
	key  string
	opts *interfaces.LiveTranscriptionOptions
	cb   msginterfaces.LiveMessageCallback
}

func (d *dialRecord) callback() msginterfaces.LiveMessageCallback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cb
}

func dialer(s *fakeStream, rec *dialRecord) Dialer {
	return func(_ context.Context, key string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (Stream, error) {
		rec.mu.Lock()
		rec.key, rec.opts, rec.cb = key, opts, cb
		rec.mu.Unlock()
		return s, nil
	}
}

type events struct {
	mu  sync.Mutex
	got []adapters.Event
}

func (e *events) OnEvent(ev adapters.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *events) snapshot() []adapters.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]adapters.Event(nil), e.got...)
}

func message(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return &mr
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func start(t *testing.T, s *fakeStream, rec *dialRecord, req adapters.Request) (*Recognizer, *events) {
	t.Helper()
	factory := NewFactory(Config{APIKey: "cfg-key"}, audio.BufferSource{Data: []byte("pcm")}, dialer(s, rec), nil)
	a, err := factory(req)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ev := &events{}
	if err := a.Start(context.Background(), ev); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a.(*Recognizer), ev
}

func TestRecognizerBecomesReady(t *testing.T) {
	s := &fakeStream{connect: true, delay: 30 * time.Millisecond}
	rec := &dialRecord{}
	factory := NewFactory(Config{APIKey: "k"}, audio.BufferSource{}, dialer(s, rec), nil)
	a, err := factory(adapters.Request{UtteranceID: "u1", Locale: "en-GB"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	w := a.(adapters.Warmer)
	if w.Ready() {
		t.Fatalf("should not be ready before connecting")
	}
	eventually(t, w.Ready)
	if rec.opts.Language != "en-GB" || rec.opts.Model != "nova-2" || rec.opts.SampleRate != 16000 {
		t.Fatalf("unexpected options %+v", rec.opts)
	}
	a.Cancel()
}

func TestRequestCredentialsWin(t *testing.T) {
	s := &fakeStream{connect: true}
	rec := &dialRecord{}
	r, _ := start(t, s, rec, adapters.Request{UtteranceID: "u1", Credentials: map[string]string{"api_key": "remote-key"}})
	defer r.Cancel()
	if rec.key != "remote-key" {
		t.Fatalf("expected request credentials, got %q", rec.key)
	}
}

func TestPartialsAndFinalResult(t *testing.T) {
	s := &fakeStream{connect: true}
	rec := &dialRecord{}
	r, ev := start(t, s, rec, adapters.Request{UtteranceID: "u1"})
	cb := rec.callback()

	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"turn","confidence":0.5}]}}`))
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"turn on","confidence":0.8}]},"is_final":true}`))
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"the lights","confidence":0.6}]},"is_final":true,"speech_final":true}`))

	got := ev.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected started, partial and result, got %#v", got)
	}
	if _, ok := got[1].(adapters.Partial); !ok {
		t.Fatalf("expected partial, got %#v", got[1])
	}
	res, ok := got[2].(adapters.Result)
	if !ok || res.Payload.Best() != "turn on the lights" {
		t.Fatalf("unexpected result %#v", got[2])
	}
	if c := res.Payload.Confidence[0]; c < 0.69 || c > 0.71 {
		t.Fatalf("expected mean confidence 0.7, got %v", c)
	}
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopped
	})
	_ = r
}

func TestUtteranceEndCompletes(t *testing.T) {
	s := &fakeStream{connect: true}
	rec := &dialRecord{}
	_, ev := start(t, s, rec, adapters.Request{UtteranceID: "u1"})
	cb := rec.callback()

	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"hello","confidence":1}]},"is_final":true}`))
	_ = cb.UtteranceEnd(&msginterfaces.UtteranceEndResponse{})

	got := ev.snapshot()
	if len(got) != 3 {
		t.Fatalf("unexpected events %#v", got)
	}
	if _, ok := got[1].(adapters.EndOfSpeech); !ok {
		t.Fatalf("expected end of speech, got %#v", got[1])
	}
	if res := got[2].(adapters.Result); res.Payload.Best() != "hello" {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestCloseWithoutSpeechFails(t *testing.T) {
	s := &fakeStream{connect: true}
	rec := &dialRecord{}
	_, ev := start(t, s, rec, adapters.Request{UtteranceID: "u1"})
	_ = rec.callback().Close(&msginterfaces.CloseResponse{})

	got := ev.snapshot()
	failed, ok := got[len(got)-1].(adapters.Failed)
	if !ok || failed.Code != adapters.ErrNetwork {
		t.Fatalf("expected network failure, got %#v", got)
	}
}

func TestConnectFailureFailsStart(t *testing.T) {
	s := &fakeStream{connect: false}
	factory := NewFactory(Config{APIKey: "k"}, audio.BufferSource{}, dialer(s, &dialRecord{}), nil)
	a, _ := factory(adapters.Request{UtteranceID: "u1"})
	err := a.Start(context.Background(), &events{})
	var pe *adapters.ProviderError
	if !errors.As(err, &pe) || pe.Code != adapters.ErrNetwork {
		t.Fatalf("expected network provider error, got %v", err)
	}
}

func TestMissingKeyFailsFactory(t *testing.T) {
	factory := NewFactory(Config{}, audio.BufferSource{}, dialer(&fakeStream{}, &dialRecord{}), nil)
	_, err := factory(adapters.Request{})
	var pe *adapters.ProviderError
	if !errors.As(err, &pe) || pe.Code != adapters.ErrInsufficientPermissions {
		t.Fatalf("expected permissions error, got %v", err)
	}
}

func TestEventsAfterCancelAreDropped(t *testing.T) {
	s := &fakeStream{connect: true}
	rec := &dialRecord{}
	r, ev := start(t, s, rec, adapters.Request{UtteranceID: "u1"})
	r.Cancel()
	_ = rec.callback().Message(message(t, `{"channel":{"alternatives":[{"transcript":"late"}]},"is_final":true,"speech_final":true}`))
	if got := ev.snapshot(); len(got) != 1 {
		t.Fatalf("expected only started, got %#v", got)
	}
}

func TestCancelBeforeConnectStopsLateStream(t *testing.T) {
	s := &fakeStream{connect: true, delay: 40 * time.Millisecond}
	factory := NewFactory(Config{APIKey: "k"}, audio.BufferSource{}, dialer(s, &dialRecord{}), nil)
	a, err := factory(adapters.Request{UtteranceID: "u1"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	a.Cancel()
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopped
	})
	if a.(adapters.Warmer).Ready() {
		t.Fatalf("canceled recognizer must not report ready")
	}
	if err := a.Start(context.Background(), &events{}); err == nil {
		t.Fatalf("expected start after cancel to fail")
	}
}
