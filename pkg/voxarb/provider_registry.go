package voxarb

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/arbiter"
	"github.com/harunnryd/voxarb/pkg/audio"
	"github.com/harunnryd/voxarb/pkg/configutil"
	"github.com/harunnryd/voxarb/pkg/providers/deepgram"
	"github.com/harunnryd/voxarb/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxarb/pkg/providers/mock"
	"github.com/harunnryd/voxarb/pkg/providers/rawmic"
	"github.com/harunnryd/voxarb/pkg/resilience"
)

// BuildDeps are the shared resources a provider builder may use.
type BuildDeps struct {
	Source  audio.Source
	Sink    audio.Sink
	Breaker *resilience.CircuitBreaker
	Logger  *slog.Logger
}

// FactoryBuilder turns a vendor settings block into an adapter factory.
type FactoryBuilder func(settings map[string]any, deps BuildDeps) (adapters.Factory, error)

type ProviderRegistry struct {
	builders map[adapters.Kind]map[string]FactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		builders: map[adapters.Kind]map[string]FactoryBuilder{
			adapters.KindSpeech:      {},
			adapters.KindRecognition: {},
		},
	}
}

// DefaultProviderRegistry knows every provider shipped with the daemon.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSynthesis(adapters.ProviderMock, buildMock)
	r.RegisterRecognition(adapters.ProviderMock, buildMock)
	r.RegisterSynthesis(adapters.ProviderElevenLabs, buildElevenLabs)
	r.RegisterRecognition(adapters.ProviderDeepgram, buildDeepgram)
	r.RegisterRecognition(adapters.ProviderRawMic, buildRawMic)
	return r
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSynthesis(name string, b FactoryBuilder) {
	r.builders[adapters.KindSpeech][normalizeName(name)] = b
}

func (r *ProviderRegistry) RegisterRecognition(name string, b FactoryBuilder) {
	r.builders[adapters.KindRecognition][normalizeName(name)] = b
}

// Registered lists provider names for kind in sorted order.
func (r *ProviderRegistry) Registered(kind adapters.Kind) []string {
	out := make([]string, 0, len(r.builders[kind]))
	for name := range r.builders[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *ProviderRegistry) Build(kind adapters.Kind, provider string, settings map[string]any, deps BuildDeps) (adapters.Factory, error) {
	fn := r.builders[kind][normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("%s provider not registered: %s", kind, provider)
	}
	return fn(settings, deps)
}

// Factories builds the factory map for every configured vendor id plus the
// defaults. Ids whose provider is not registered stay unbound and fail at
// dispatch time.
func (r *ProviderRegistry) Factories(cfg Config, deps BuildDeps) (arbiter.FactoryMap, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := arbiter.FactoryMap{
		adapters.KindSpeech:      {},
		adapters.KindRecognition: {},
	}
	build := func(kind adapters.Kind, section string, vendors map[string]VendorConfig, ids ...string) error {
		for _, id := range vendorIDs(vendors, ids...) {
			vc := vendors[id]
			provider := vc.Provider
			if strings.TrimSpace(provider) == "" {
				provider = id
			}
			if r.builders[kind][normalizeName(provider)] == nil {
				logger.Warn("provider_unbound", "kind", kind.String(), "id", id, "provider", provider)
				continue
			}
			f, err := r.Build(kind, provider, vc.Settings, deps)
			if err != nil {
				return fmt.Errorf("%s.vendors.%s: %w", section, id, err)
			}
			out[kind][id] = f
		}
		return nil
	}
	if err := build(adapters.KindSpeech, "synthesis", cfg.Synthesis.Vendors, cfg.Synthesis.Default); err != nil {
		return nil, err
	}
	if err := build(adapters.KindRecognition, "recognition", cfg.Recognition.Vendors, cfg.Recognition.Default, cfg.Recognition.RawMic); err != nil {
		return nil, err
	}
	return out, nil
}

// Credentials returns the locally configured api key for a vendor id.
func (c Config) Credentials(kind adapters.Kind, id string) map[string]string {
	vendors := c.Synthesis.Vendors
	if kind == adapters.KindRecognition {
		vendors = c.Recognition.Vendors
	}
	vc, ok := vendors[id]
	if !ok {
		return nil
	}
	for k, v := range vc.Settings {
		if normalizeName(strings.ReplaceAll(k, "-", "_")) != "api_key" {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return map[string]string{"api_key": s}
		}
	}
	return nil
}

func vendorIDs(vendors map[string]VendorConfig, extra ...string) []string {
	seen := make(map[string]struct{}, len(vendors)+len(extra))
	var out []string
	for id := range vendors {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range extra {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func buildMock(settings map[string]any, _ BuildDeps) (adapters.Factory, error) {
	var s mock.Settings
	if err := configutil.Decode(settings, mock.Schema, &s); err != nil {
		return nil, err
	}
	return mock.NewFactory(mock.ScriptFrom(s)), nil
}

func buildElevenLabs(settings map[string]any, deps BuildDeps) (adapters.Factory, error) {
	var s elevenlabs.Settings
	if err := configutil.Decode(settings, elevenlabs.Schema, &s); err != nil {
		return nil, err
	}
	return elevenlabs.NewFactory(s.Config(), elevenlabs.Deps{
		Sink:    deps.Sink,
		Breaker: deps.Breaker,
		Logger:  deps.Logger,
	}), nil
}

func buildDeepgram(settings map[string]any, deps BuildDeps) (adapters.Factory, error) {
	var s deepgram.Settings
	if err := configutil.Decode(settings, deepgram.Schema, &s); err != nil {
		return nil, err
	}
	return deepgram.NewFactory(s.Config(), deps.Source, deepgram.Dial, deps.Logger), nil
}

func buildRawMic(settings map[string]any, deps BuildDeps) (adapters.Factory, error) {
	var s rawmic.Settings
	if err := configutil.Decode(settings, rawmic.Schema, &s); err != nil {
		return nil, err
	}
	return rawmic.NewFactory(deps.Source, s.Config(), deps.Logger), nil
}
