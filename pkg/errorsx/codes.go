package errorsx

import (
	"errors"

	"github.com/harunnryd/voxarb/pkg/adapters"
)

// Code is the closed set of errors a caller can observe.
type Code string

const (
	CodeBusy        Code = "ERROR_BUSY"
	CodeNetwork     Code = "ERROR_NETWORK"
	CodeNoMatch     Code = "ERROR_NO_MATCH"
	CodeDenied      Code = "ERROR_DENIED"
	CodeInterrupted Code = "ERROR_INTERRUPTED"
	CodeDeveloper   Code = "ERROR_DEVELOPER"
	CodeSaiy        Code = "ERROR_SAIY"
	CodeUnknown     Code = "ERROR_UNKNOWN"
)

func (c Code) String() string { return string(c) }

// ParseCode is the inverse of Code.String; anything unrecognised is CodeUnknown.
func ParseCode(s string) Code {
	switch c := Code(s); c {
	case CodeBusy, CodeNetwork, CodeNoMatch, CodeDenied, CodeInterrupted, CodeDeveloper, CodeSaiy:
		return c
	default:
		return CodeUnknown
	}
}

// FromProvider maps a provider lifecycle error into the caller taxonomy.
func FromProvider(code adapters.ErrorCode) Code {
	switch code {
	case adapters.ErrNetwork, adapters.ErrNetworkTimeout:
		return CodeNetwork
	case adapters.ErrNoMatch, adapters.ErrSpeechTimeout:
		return CodeNoMatch
	case adapters.ErrBusy, adapters.ErrRateLimited:
		return CodeBusy
	case adapters.ErrInsufficientPermissions:
		return CodeDenied
	case adapters.ErrClient:
		return CodeDeveloper
	case adapters.ErrAudio, adapters.ErrServer, adapters.ErrInit:
		return CodeSaiy
	default:
		return CodeUnknown
	}
}

// FromError maps an arbitrary error returned while driving a provider.
func FromError(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var pe *adapters.ProviderError
	if errors.As(err, &pe) {
		return FromProvider(pe.Code)
	}
	switch Reason(err) {
	case ReasonMalformedRequest:
		return CodeDeveloper
	case ReasonThrottled, ReasonBlacklisted:
		return CodeDenied
	case ReasonProviderMissing, ReasonProviderInit, ReasonProviderStart, ReasonEngineStuck:
		return CodeSaiy
	case ReasonWarmupTimeout:
		return CodeNetwork
	}
	return CodeUnknown
}
