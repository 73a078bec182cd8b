package arbiter

import (
	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/params"
)

type decision int

const (
	decideProceed decision = iota
	decideQueue
	decidePreempt
	decideReject
)

func (d decision) String() string {
	switch d {
	case decideProceed:
		return "proceed"
	case decideQueue:
		return "queue"
	case decidePreempt:
		return "preempt"
	case decideReject:
		return "reject"
	default:
		return "unknown"
	}
}

// activity describes what currently holds the resources.
type activity struct {
	speech      bool
	recognition bool
	priority    params.Priority
}

func (a activity) idle() bool { return !a.speech && !a.recognition }

// decide applies priority preemption. Equal priority only interrupts for
// speech-producing requests; a listen against active speech waits for it, as
// does a speech request asking to be appended.
func decide(p params.Priority, speechProducing, appendSpeech bool, cur activity) decision {
	if cur.idle() {
		return decideProceed
	}
	switch {
	case p < cur.priority:
		return decideReject
	case p > cur.priority:
		return decidePreempt
	}
	if speechProducing {
		if appendSpeech && cur.speech {
			return decideQueue
		}
		return decidePreempt
	}
	if cur.speech {
		return decideQueue
	}
	return decideProceed
}

// SelectProvider picks the provider for a request. Conditions that need raw
// audio force the raw microphone for recognition.
func SelectProvider(kind adapters.Kind, configured, rawMic string, cond params.Condition) string {
	if kind == adapters.KindRecognition && cond.RawAudio() {
		return rawMic
	}
	return configured
}
