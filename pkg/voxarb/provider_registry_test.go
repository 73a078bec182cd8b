package voxarb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/audio"
)

func TestRegistryNamesAreCaseInsensitive(t *testing.T) {
	r := NewProviderRegistry()
	r.RegisterRecognition(" Custom ", buildMock)
	if _, err := r.Build(adapters.KindRecognition, "CUSTOM", nil, BuildDeps{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := r.Build(adapters.KindSpeech, "custom", nil, BuildDeps{}); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected not registered, got %v", err)
	}
}

func TestDefaultRegistryProviders(t *testing.T) {
	r := DefaultProviderRegistry()
	if got := strings.Join(r.Registered(adapters.KindSpeech), ","); got != "elevenlabs,mock" {
		t.Fatalf("unexpected synthesis providers %s", got)
	}
	if got := strings.Join(r.Registered(adapters.KindRecognition), ","); got != "deepgram,mock,rawmic" {
		t.Fatalf("unexpected recognition providers %s", got)
	}
}

func TestFactoriesBindsConfiguredVendors(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Synthesis.Vendors = map[string]VendorConfig{
		"narrator": {Provider: "elevenlabs", Settings: map[string]any{"voice_id": "v1", "api_key": "k"}},
		"cloud":    {Provider: "google_cloud"},
	}
	cfg.Recognition.Vendors = map[string]VendorConfig{
		"mock": {Settings: map[string]any{"transcript": "turn on the lights"}},
	}
	factories, err := DefaultProviderRegistry().Factories(cfg, BuildDeps{Source: audio.BufferSource{Data: []byte{1, 2}}})
	if err != nil {
		t.Fatalf("factories: %v", err)
	}
	for _, id := range []string{"mock", "narrator"} {
		if _, ok := factories.Lookup(adapters.KindSpeech, id); !ok {
			t.Fatalf("expected synthesis %s bound", id)
		}
	}
	if _, ok := factories.Lookup(adapters.KindSpeech, "cloud"); ok {
		t.Fatalf("unregistered provider should stay unbound")
	}
	for _, id := range []string{"mock", "rawmic"} {
		if _, ok := factories.Lookup(adapters.KindRecognition, id); !ok {
			t.Fatalf("expected recognition %s bound", id)
		}
	}

	f, _ := factories.Lookup(adapters.KindRecognition, "mock")
	a, err := f(adapters.Request{Kind: adapters.KindRecognition, UtteranceID: "u1"})
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	got := make(chan adapters.Result, 1)
	err = a.Start(context.Background(), adapters.ListenerFunc(func(ev adapters.Event) {
		if res, ok := ev.(adapters.Result); ok {
			got <- res
		}
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res := <-got; res.Payload.Best() != "turn on the lights" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFactoriesRejectsBadSettings(t *testing.T) {
	cfg, _ := LoadConfig("")
	cfg.Synthesis.Vendors = map[string]VendorConfig{
		"narrator": {Provider: "elevenlabs", Settings: map[string]any{"api_key": "k"}},
	}
	_, err := DefaultProviderRegistry().Factories(cfg, BuildDeps{})
	if err == nil || !strings.Contains(err.Error(), "synthesis.vendors.narrator") || !strings.Contains(err.Error(), "voice_id") {
		t.Fatalf("expected voice_id error, got %v", err)
	}
}

func TestDeepgramWithoutKeyIsDenied(t *testing.T) {
	f, err := DefaultProviderRegistry().Build(adapters.KindRecognition, "deepgram", nil, BuildDeps{Source: audio.BufferSource{}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = f(adapters.Request{Kind: adapters.KindRecognition, UtteranceID: "u1"})
	var pe *adapters.ProviderError
	if !errors.As(err, &pe) || pe.Code != adapters.ErrInsufficientPermissions {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
}
