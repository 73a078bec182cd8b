package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registers owns the recognition and speech state. Writers must be confined
// to a single goroutine (the arbitration loop); readers may call Snapshot,
// Speech and Recognition from anywhere.
type Registers struct {
	recognition atomic.Int32
	speech      atomic.Int32

	mu        sync.RWMutex
	listeners []StateListener
}

// NewRegisters returns registers with both resources IDLE.
func NewRegisters() *Registers {
	return &Registers{}
}

func (r *Registers) Speech() Speech {
	return Speech(r.speech.Load())
}

func (r *Registers) Recognition() Recognition {
	return Recognition(r.recognition.Load())
}

func (r *Registers) Snapshot() Snapshot {
	return Snapshot{Recognition: r.Recognition(), Speech: r.Speech()}
}

var recognitionTransitions = map[Recognition][]Recognition{
	RecognitionIdle:       {RecognitionListening},
	RecognitionListening:  {RecognitionProcessing, RecognitionIdle},
	RecognitionProcessing: {RecognitionIdle, RecognitionListening},
}

var speechTransitions = map[Speech][]Speech{
	SpeechIdle:     {SpeechSpeaking},
	SpeechSpeaking: {SpeechIdle},
}

// SetSpeech moves the speech register. Setting the current value is a no-op.
func (r *Registers) SetSpeech(to Speech, reason string) error {
	from := r.Speech()
	if from == to {
		return nil
	}
	if !allowed(speechTransitions[from], to) {
		return &InvalidTransitionError{Resource: ResourceSpeech, From: from.String(), To: to.String()}
	}
	r.speech.Store(int32(to))
	r.emit(StateChange{Resource: ResourceSpeech, From: from.String(), To: to.String(), Timestamp: time.Now(), Reason: reason})
	return nil
}

// SetRecognition moves the recognition register. Setting the current value is a no-op.
func (r *Registers) SetRecognition(to Recognition, reason string) error {
	from := r.Recognition()
	if from == to {
		return nil
	}
	if !allowed(recognitionTransitions[from], to) {
		return &InvalidTransitionError{Resource: ResourceRecognition, From: from.String(), To: to.String()}
	}
	r.recognition.Store(int32(to))
	r.emit(StateChange{Resource: ResourceRecognition, From: from.String(), To: to.String(), Timestamp: time.Now(), Reason: reason})
	return nil
}

// Reset forces both registers to IDLE regardless of the current values.
func (r *Registers) Reset(reason string) {
	now := time.Now()
	if from := Speech(r.speech.Swap(int32(SpeechIdle))); from != SpeechIdle {
		r.emit(StateChange{Resource: ResourceSpeech, From: from.String(), To: SpeechIdle.String(), Timestamp: now, Reason: reason})
	}
	if from := Recognition(r.recognition.Swap(int32(RecognitionIdle))); from != RecognitionIdle {
		r.emit(StateChange{Resource: ResourceRecognition, From: from.String(), To: RecognitionIdle.String(), Timestamp: now, Reason: reason})
	}
}

// AddListener registers a listener for state change events.
func (r *Registers) AddListener(listener StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registers) emit(ev StateChange) {
	r.mu.RLock()
	listeners := make([]StateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
}

func allowed[T comparable](list []T, to T) bool {
	for _, s := range list {
		if s == to {
			return true
		}
	}
	return false
}
