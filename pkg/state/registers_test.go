package state

import (
	"errors"
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(ev StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRegistersStartIdle(t *testing.T) {
	r := NewRegisters()
	if !r.Snapshot().Idle() {
		t.Fatalf("expected idle snapshot, got %+v", r.Snapshot())
	}
}

func TestRecognitionTransitions(t *testing.T) {
	r := NewRegisters()
	capture := &captureListener{}
	r.AddListener(capture)

	if err := r.SetRecognition(RecognitionListening, "dispatch"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := r.SetRecognition(RecognitionProcessing, "end of speech"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := r.SetRecognition(RecognitionIdle, "result"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if capture.Count() != 3 {
		t.Fatalf("expected 3 change events, got %d", capture.Count())
	}

	err := r.SetRecognition(RecognitionProcessing, "bad")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition from IDLE to PROCESSING, got %v", err)
	}
	if r.Recognition() != RecognitionIdle {
		t.Fatalf("invalid transition must not move the register")
	}
}

func TestSameStateIsNoop(t *testing.T) {
	r := NewRegisters()
	capture := &captureListener{}
	r.AddListener(capture)
	if err := r.SetSpeech(SpeechIdle, "noop"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capture.Count() != 0 {
		t.Fatalf("expected no events for a no-op")
	}
}

func TestResetForcesIdle(t *testing.T) {
	r := NewRegisters()
	_ = r.SetSpeech(SpeechSpeaking, "speak")
	_ = r.SetRecognition(RecognitionListening, "listen")
	capture := &captureListener{}
	r.AddListener(capture)

	r.Reset("status monitor")
	if !r.Snapshot().Idle() {
		t.Fatalf("expected idle after reset")
	}
	if capture.Count() != 2 {
		t.Fatalf("expected one event per resource, got %d", capture.Count())
	}
	r.Reset("again")
	if capture.Count() != 2 {
		t.Fatalf("reset on idle registers must not emit")
	}
}
