// Package adapters defines the lifecycle contract every speech synthesis and
// speech recognition backend is driven through.
package adapters

import (
	"context"
	"fmt"
)

// Kind identifies the resource an adapter serves.
type Kind int

const (
	KindSpeech Kind = iota
	KindRecognition
)

func (k Kind) String() string {
	switch k {
	case KindSpeech:
		return "speech"
	case KindRecognition:
		return "recognition"
	default:
		return "unknown"
	}
}

// Provider identifiers known to the arbitrator. Only those registered with a
// factory can actually be selected.
const (
	ProviderNative      = "native"
	ProviderMock        = "mock"
	ProviderElevenLabs  = "elevenlabs"
	ProviderGoogleCloud = "google_cloud"
	ProviderMicrosoft   = "microsoft"
	ProviderIBM         = "ibm"
	ProviderDeepgram    = "deepgram"
	ProviderRawMic      = "rawmic"
)

// QueueMode controls how a synthesis request treats speech already queued in
// the provider.
type QueueMode int

const (
	QueueFlush QueueMode = iota
	QueueAdd
)

func (q QueueMode) String() string {
	if q == QueueAdd {
		return "add"
	}
	return "flush"
}

// Request is everything a factory needs to build one adapter instance.
type Request struct {
	Kind        Kind
	Provider    string
	UtteranceID string
	Text        string
	Locale      string
	QueueMode   QueueMode
	Condition   string
	ProfileID   string
	Credentials map[string]string
}

// Adapter is one concrete backend session.
//
// Start is always invoked on a background goroutine and may block on network
// or device setup; it returns once the backend accepted the request. All
// progress after that is reported through the Listener. Stop asks the backend
// to finish gracefully, Cancel aborts without expecting a result. Both must be
// safe to call at any time, including before Start returned.
type Adapter interface {
	Name() string
	Start(ctx context.Context, l Listener) error
	Stop()
	Cancel()
}

// Warmer is implemented by adapters that need asynchronous setup (credentials,
// microphone, socket) before Start can succeed.
type Warmer interface {
	Ready() bool
}

// Factory builds an adapter for a request.
type Factory func(req Request) (Adapter, error)

// Listener receives lifecycle events. Implementations must not block.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// ErrorCode is the provider-level failure classification.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNetwork
	ErrNetworkTimeout
	ErrNoMatch
	ErrSpeechTimeout
	ErrBusy
	ErrAudio
	ErrClient
	ErrServer
	ErrInsufficientPermissions
	ErrRateLimited
	ErrInit
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNetwork:
		return "network"
	case ErrNetworkTimeout:
		return "network_timeout"
	case ErrNoMatch:
		return "no_match"
	case ErrSpeechTimeout:
		return "speech_timeout"
	case ErrBusy:
		return "busy"
	case ErrAudio:
		return "audio"
	case ErrClient:
		return "client"
	case ErrServer:
		return "server"
	case ErrInsufficientPermissions:
		return "insufficient_permissions"
	case ErrRateLimited:
		return "rate_limited"
	case ErrInit:
		return "init"
	default:
		return "unknown"
	}
}

// ProviderError carries a provider error code through error returns.
type ProviderError struct {
	Provider string
	Code     ErrorCode
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewError builds a ProviderError.
func NewError(provider string, code ErrorCode, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Err: err}
}
