// Package state holds the two process-wide resource registers: what the
// recognizer is doing and what the synthesizer is doing.
package state

import "time"

// Recognition is the speech recognition resource state.
type Recognition int32

const (
	RecognitionIdle Recognition = iota
	RecognitionListening
	RecognitionProcessing
)

func (s Recognition) String() string {
	switch s {
	case RecognitionIdle:
		return "IDLE"
	case RecognitionListening:
		return "LISTENING"
	case RecognitionProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// Speech is the speech synthesis resource state.
type Speech int32

const (
	SpeechIdle Speech = iota
	SpeechSpeaking
)

func (s Speech) String() string {
	switch s {
	case SpeechIdle:
		return "IDLE"
	case SpeechSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a consistent-enough read of both registers.
type Snapshot struct {
	Recognition Recognition
	Speech      Speech
}

// Idle reports whether neither resource is in use.
func (s Snapshot) Idle() bool {
	return s.Recognition == RecognitionIdle && s.Speech == SpeechIdle
}

// Resource names a register in change events.
type Resource string

const (
	ResourceSpeech      Resource = "speech"
	ResourceRecognition Resource = "recognition"
)

// StateChange represents a state transition event.
type StateChange struct {
	Resource  Resource
	From      string
	To        string
	Timestamp time.Time
	Reason    string
}

// StateListener observes register changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	Resource Resource
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return "invalid " + string(e.Resource) + " transition from " + e.From + " to " + e.To
}
