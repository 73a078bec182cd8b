// Package remote tracks the single live remote caller and delivers session
// outcomes to it.
package remote

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/redact"
)

// Listener receives session outcomes for a remote caller. Returned errors are
// logged by the registry and never propagated.
type Listener interface {
	OnUtteranceCompleted(requestID string) error
	OnSpeechResults(payload adapters.Payload, requestID string) error
	OnError(code errorsx.Code, requestID string) error
}

// PartialListener is implemented by listeners that want interim hypotheses.
type PartialListener interface {
	OnPartialResults(payload adapters.Payload, requestID string) error
}

type EventKind int

const (
	EventUtteranceCompleted EventKind = iota
	EventSpeechResults
	EventPartialResults
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventUtteranceCompleted:
		return "utterance_completed"
	case EventSpeechResults:
		return "speech_results"
	case EventPartialResults:
		return "partial_results"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one outcome to deliver.
type Event struct {
	Kind      EventKind
	RequestID string
	Payload   adapters.Payload
	Code      errorsx.Code
}

func Completed(requestID string) Event {
	return Event{Kind: EventUtteranceCompleted, RequestID: requestID}
}

func Results(requestID string, p adapters.Payload) Event {
	return Event{Kind: EventSpeechResults, RequestID: requestID, Payload: p}
}

func Partial(requestID string, p adapters.Payload) Event {
	return Event{Kind: EventPartialResults, RequestID: requestID, Payload: p}
}

func Failure(requestID string, code errorsx.Code) Event {
	return Event{Kind: EventError, RequestID: requestID, Code: code}
}

// Token identifies one registration. The zero token never matches.
type Token uint64

type registration struct {
	token       Token
	listener    Listener
	caller      params.CallerIdentity
	action      params.Action
	credentials map[string]string
}

// Registry holds at most one remote listener. Registering a second one
// evicts the first.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	current *registration
	next    Token

	active atomic.Bool
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logging.NewComponentLogger(logger, "remote_registry")}
}

// RegisterOrReplace installs l as the only live listener and returns its token.
func (r *Registry) RegisterOrReplace(l Listener, caller params.CallerIdentity, action params.Action, credentials map[string]string) Token {
	r.mu.Lock()
	if r.current != nil {
		r.logger.Info("remote_listener_evicted", "caller", r.current.caller.String(), "token", r.current.token)
	}
	r.next++
	reg := &registration{
		token:       r.next,
		listener:    l,
		caller:      caller,
		action:      action,
		credentials: credentials,
	}
	r.current = reg
	r.active.Store(true)
	r.mu.Unlock()
	r.logger.Debug("remote_listener_registered",
		"caller", caller.String(),
		"action", action.String(),
		"token", reg.token,
		"credential_keys", redact.Keys(credentials),
	)
	return reg.token
}

// Unregister removes the registration if tok is still current.
func (r *Registry) Unregister(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.token != tok {
		return false
	}
	r.current = nil
	r.active.Store(false)
	return true
}

// UnregisterListener removes the registration if l is its listener and
// returns the token it held.
func (r *Registry) UnregisterListener(l Listener) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil || r.current == nil || r.current.listener != l {
		return 0, false
	}
	tok := r.current.token
	r.current = nil
	r.active.Store(false)
	return tok, true
}

// IsActive reports whether a remote caller is currently being served.
func (r *Registry) IsActive() bool {
	return r.active.Load()
}

// Current returns the live token.
func (r *Registry) Current() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0, false
	}
	return r.current.token, true
}

// Credentials returns the provider credentials supplied by the live remote
// caller, or nil.
func (r *Registry) Credentials() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || len(r.current.credentials) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.current.credentials))
	for k, v := range r.current.credentials {
		out[k] = v
	}
	return out
}

// Dispatch delivers ev if tok is still the live registration. Terminal events
// unregister the listener: errors and results always, completion only for
// one-shot actions.
func (r *Registry) Dispatch(tok Token, ev Event) bool {
	r.mu.Lock()
	reg := r.current
	if reg == nil || reg.token != tok {
		r.mu.Unlock()
		r.logger.Debug("remote_dispatch_dropped", "event", ev.Kind.String(), "request_id", ev.RequestID)
		return false
	}
	if releases(reg.action, ev.Kind) {
		r.current = nil
		r.active.Store(false)
	}
	r.mu.Unlock()

	r.deliver(reg.listener, ev)
	return true
}

// Notify replies directly to a listener that is not (or not yet) registered,
// such as a rejected request.
func (r *Registry) Notify(l Listener, ev Event) {
	if l == nil {
		return
	}
	r.deliver(l, ev)
}

func releases(action params.Action, kind EventKind) bool {
	switch kind {
	case EventError, EventSpeechResults:
		return true
	case EventUtteranceCompleted:
		return action != params.ActionSpeakListen
	default:
		return false
	}
}

func (r *Registry) deliver(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("remote_listener_panic", "event", ev.Kind.String(), "panic", rec)
		}
	}()
	var err error
	switch ev.Kind {
	case EventUtteranceCompleted:
		err = l.OnUtteranceCompleted(ev.RequestID)
	case EventSpeechResults:
		err = l.OnSpeechResults(ev.Payload, ev.RequestID)
	case EventPartialResults:
		if pl, ok := l.(PartialListener); ok {
			err = pl.OnPartialResults(ev.Payload, ev.RequestID)
		}
	case EventError:
		err = l.OnError(ev.Code, ev.RequestID)
	default:
		err = fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	if err != nil {
		r.logger.Warn("remote_dispatch_failed",
			"event", ev.Kind.String(),
			"request_id", ev.RequestID,
			"error", errorsx.Wrap(err, errorsx.ReasonRemoteDead),
		)
	}
}
