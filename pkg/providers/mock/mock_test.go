package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
)

type captureEmitter struct {
	ch chan adapters.Event
}

func (c *captureEmitter) OnEvent(ev adapters.Event) { c.ch <- ev }

func next(t *testing.T, c *captureEmitter) adapters.Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
		return nil
	}
}

func TestScriptedRecognition(t *testing.T) {
	rec := NewRecorder(Script{Partials: []string{"he"}, EndOfSpeech: true, Transcripts: []string{"hello"}})
	a, err := rec.Factory()(adapters.Request{Kind: adapters.KindRecognition, UtteranceID: "u1"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	c := &captureEmitter{ch: make(chan adapters.Event, 8)}
	if err := a.Start(context.Background(), c); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := next(t, c).(adapters.Started); !ok {
		t.Fatalf("expected Started first")
	}
	if p, ok := next(t, c).(adapters.Partial); !ok || p.Payload.Best() != "he" {
		t.Fatalf("expected partial")
	}
	if _, ok := next(t, c).(adapters.EndOfSpeech); !ok {
		t.Fatalf("expected end of speech")
	}
	res, ok := next(t, c).(adapters.Result)
	if !ok || res.Payload.Best() != "hello" || res.UtteranceID != "u1" {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestCancelStopsPendingResult(t *testing.T) {
	rec := NewRecorder(Script{ResultDelay: time.Hour})
	a, _ := rec.Factory()(adapters.Request{UtteranceID: "u1"})
	c := &captureEmitter{ch: make(chan adapters.Event, 8)}
	_ = a.Start(context.Background(), c)
	next(t, c)
	a.Cancel()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event after cancel: %#v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	if !rec.Last().Canceled() {
		t.Fatalf("expected canceled")
	}
}

func TestRecorderSequencesScripts(t *testing.T) {
	boom := errors.New("boom")
	rec := NewRecorder(Script{FactoryErr: boom}, Script{Warmup: -1})
	if _, err := rec.Factory()(adapters.Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected factory error")
	}
	a, err := rec.Factory()(adapters.Request{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	w, ok := a.(adapters.Warmer)
	if !ok || w.Ready() {
		t.Fatalf("expected never-ready warmer")
	}
	if len(rec.Requests()) != 2 || len(rec.Built()) != 1 {
		t.Fatalf("unexpected bookkeeping")
	}
}
