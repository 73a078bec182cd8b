package adapters

// Event is the tagged union of lifecycle notifications a provider emits:
// Started, Partial, EndOfSpeech, Result or Failed.
type Event interface {
	Utterance() string
	isEvent()
}

// Payload is recognition output. Synthesis results carry an empty payload.
type Payload struct {
	Texts      []string
	Confidence []float32
	Audio      []byte
}

// Best returns the most likely transcript, if any.
func (p Payload) Best() string {
	if len(p.Texts) == 0 {
		return ""
	}
	return p.Texts[0]
}

// Empty reports whether the payload has no transcript and no audio.
func (p Payload) Empty() bool {
	return len(p.Texts) == 0 && len(p.Audio) == 0
}

// Started means synthesis began playing or the recognizer is ready for speech.
type Started struct {
	UtteranceID string
}

// Partial is an interim recognition hypothesis.
type Partial struct {
	UtteranceID string
	Payload     Payload
}

// EndOfSpeech means the recognizer stopped hearing input and is processing.
type EndOfSpeech struct {
	UtteranceID string
}

// Result is the terminal success: recognition results or synthesis done.
type Result struct {
	UtteranceID string
	Payload     Payload
}

// Failed is the terminal failure.
type Failed struct {
	UtteranceID string
	Code        ErrorCode
	Err         error
}

func (e Started) Utterance() string     { return e.UtteranceID }
func (e Partial) Utterance() string     { return e.UtteranceID }
func (e EndOfSpeech) Utterance() string { return e.UtteranceID }
func (e Result) Utterance() string      { return e.UtteranceID }
func (e Failed) Utterance() string      { return e.UtteranceID }

func (Started) isEvent()     {}
func (Partial) isEvent()     {}
func (EndOfSpeech) isEvent() {}
func (Result) isEvent()      {}
func (Failed) isEvent()      {}

// Terminal reports whether ev ends a session.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Result, Failed:
		return true
	default:
		return false
	}
}
