package arbiter

import (
	"context"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/remote"
)

type mode int

const (
	modeSpeak mode = iota
	modeListen
	modeSpeakListen
)

func (m mode) String() string {
	switch m {
	case modeSpeak:
		return "speak"
	case modeListen:
		return "listen"
	case modeSpeakListen:
		return "speak_listen"
	default:
		return "unknown"
	}
}

func (m mode) speechProducing() bool { return m != modeListen }

func (m mode) resource() string {
	if m == modeListen {
		return adapters.KindRecognition.String()
	}
	return adapters.KindSpeech.String()
}

// owner is where a request's outcome goes: a registry token for registered
// remote callers, otherwise the listener directly.
type owner struct {
	token    remote.Token
	listener remote.Listener
}

type request struct {
	pc    *params.Context
	mode  mode
	owner owner
}

func (r *request) id() string { return r.pc.RequestID }

// PendingRetry is what a synthesis re-initialization needs to replay the
// original request.
type PendingRetry struct {
	Utterance string
	QueueMode adapters.QueueMode
}

type session struct {
	kind     adapters.Kind
	req      *request
	provider string

	// per launch attempt
	gen         int
	utteranceID string
	adapter     adapters.Adapter
	cancel      context.CancelFunc

	started     bool
	attempts    int
	pending     *PendingRetry
	noticeSent  bool
	lastPartial adapters.Payload

	// speech only
	followOns []*request
	noListen  bool
}

func (s *session) release(graceful bool) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.adapter == nil {
		return
	}
	if graceful {
		s.adapter.Stop()
	} else {
		s.adapter.Cancel()
	}
	s.adapter = nil
}
