package arbiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/eventloop"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/notify"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/remote"
)

const (
	DefaultEngineTimeout   = 10 * time.Second
	DefaultStatusTimeout   = 15 * time.Minute
	DefaultWarmupInterval  = 250 * time.Millisecond
	DefaultWarmupRetries   = 4
	DefaultMaxInitAttempts = 4
)

// Factories resolves a provider name to its factory.
type Factories interface {
	Lookup(kind adapters.Kind, provider string) (adapters.Factory, bool)
}

// FactoryMap is a static Factories.
type FactoryMap map[adapters.Kind]map[string]adapters.Factory

func (m FactoryMap) Lookup(kind adapters.Kind, provider string) (adapters.Factory, bool) {
	f, ok := m[kind][provider]
	return f, ok && f != nil
}

// CredentialSource returns locally configured credentials for a provider.
type CredentialSource func(kind adapters.Kind, provider string) map[string]string

// Gate is the throttle/blacklist guard as seen by the arbitrator.
type Gate interface {
	GrantAcquire(ctx context.Context, caller params.CallerIdentity) bool
	Blacklisted(caller params.CallerIdentity) bool
}

// Hotword controls the wake-word detector.
type Hotword interface {
	Start() error
	Stop() error
	Running() bool
}

type Options struct {
	Factories Factories

	SynthesisProvider   string
	RecognitionProvider string
	RawMicProvider      string

	Credentials CredentialSource
	Defaults    params.Defaults

	Guard    Gate
	Registry *remote.Registry
	// Local receives outcomes of non-remote requests. A remote.PartialListener
	// also gets interim hypotheses.
	Local    remote.Listener
	Notifier notify.Notifier
	Hotword  Hotword

	Loop     *eventloop.Loop
	Observer metrics.Observer
	Logger   *slog.Logger

	EngineTimeout   time.Duration
	StatusTimeout   time.Duration
	PartialTimeout  time.Duration
	WarmupInterval  time.Duration
	WarmupRetries   int
	MaxInitAttempts int
	InitBackoff     time.Duration
	DrainTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.SynthesisProvider == "" {
		o.SynthesisProvider = adapters.ProviderMock
	}
	if o.RecognitionProvider == "" {
		o.RecognitionProvider = adapters.ProviderMock
	}
	if o.RawMicProvider == "" {
		o.RawMicProvider = adapters.ProviderRawMic
	}
	if o.Credentials == nil {
		o.Credentials = func(adapters.Kind, string) map[string]string { return nil }
	}
	if o.Defaults.RecognitionLocale == "" {
		o.Defaults.RecognitionLocale = "en-US"
	}
	if o.Defaults.SynthesisLocale == "" {
		o.Defaults.SynthesisLocale = "en-US"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	if o.EngineTimeout <= 0 {
		o.EngineTimeout = DefaultEngineTimeout
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = DefaultStatusTimeout
	}
	if o.WarmupInterval <= 0 {
		o.WarmupInterval = DefaultWarmupInterval
	}
	if o.WarmupRetries <= 0 {
		o.WarmupRetries = DefaultWarmupRetries
	}
	if o.MaxInitAttempts <= 0 {
		o.MaxInitAttempts = DefaultMaxInitAttempts
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	return o
}
