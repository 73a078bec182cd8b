package voxarb

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/runner"
)

type captureListener struct {
	mu     sync.Mutex
	events []remote.Event
}

func (c *captureListener) OnUtteranceCompleted(id string) error {
	return c.add(remote.Completed(id))
}

func (c *captureListener) OnSpeechResults(p adapters.Payload, id string) error {
	return c.add(remote.Results(id, p))
}

func (c *captureListener) OnError(code errorsx.Code, id string) error {
	return c.add(remote.Failure(id, code))
}

func (c *captureListener) add(ev remote.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureListener) wait(t *testing.T, n int) []remote.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := append([]remote.Event(nil), c.events...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Remote.Enabled = false
	cfg.Arbiter.DrainTimeoutMS = 500
	return cfg
}

func TestEngineSpeaksForLocalCaller(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recognition.Vendors = map[string]VendorConfig{
		"mock": {Settings: map[string]any{"transcript": "yes please"}},
	}
	cfg.Metrics.TimelineDir = t.TempDir()
	local := &captureListener{}
	e, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: quietLogger(), Local: local})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	if err := e.Arbiter().SubmitSpeakThenListen(&params.Context{
		Priority:  params.PriorityNormal,
		Utterance: "shall I continue?",
		RequestID: "r1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	events := local.wait(t, 2)
	if events[0].Kind != remote.EventUtteranceCompleted || events[1].Kind != remote.EventSpeechResults {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].Payload.Best() != "yes please" || events[1].RequestID != "r1" {
		t.Fatalf("unexpected results %+v", events[1])
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.Metrics.TimelineDir, "timeline-*.jsonl"))
	if len(matches) == 0 {
		t.Fatalf("expected a timeline file")
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"speech_dispatched"`) || !strings.Contains(string(raw), `"request_id":"r1"`) {
		t.Fatalf("unexpected timeline %s", raw)
	}
}

func TestEngineLoadsRedisBlacklist(t *testing.T) {
	mr := miniredis.RunT(t)
	if _, err := mr.SAdd("voxarb:blacklist", "com.spam.app"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := testConfig(t)
	cfg.Guard.Store = "redis"
	cfg.Guard.Redis.Addr = mr.Addr()

	e, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Stop()
	if !e.Guard().Blacklisted(params.CallerIdentity{Package: "com.spam.app", UID: 1}) {
		t.Fatalf("expected persisted caller to be blacklisted")
	}
	if e.Guard().Blacklisted(params.CallerIdentity{Package: "com.example.assistant", UID: 2}) {
		t.Fatalf("unexpected blacklist entry")
	}
}

func TestEngineFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := testConfig(t)
	cfg.Guard.Store = "redis"
	cfg.Guard.Redis.Addr = addr
	if _, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: quietLogger()}); err == nil || !strings.Contains(err.Error(), "redis ping") {
		t.Fatalf("expected redis ping error, got %v", err)
	}
}

func TestEngineTwilioNeedsSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Provider = "twilio"
	cfg.Notify.Settings = map[string]any{"account_sid": "AC123"}
	if _, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: quietLogger()}); err == nil || !strings.Contains(err.Error(), "notify.settings") {
		t.Fatalf("expected notify settings error, got %v", err)
	}
}

func TestEngineRunServesRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Enabled = true
	cfg.Remote.ServerAddr = "127.0.0.1:0"
	e, err := NewEngine(context.Background(), EngineOptions{Config: cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for e.Health() != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Health(); err != nil {
		t.Fatalf("engine not healthy: %v", err)
	}

	base := "http://" + e.Server().Addr()
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if e.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
}

func TestSwitchHotword(t *testing.T) {
	h := NewSwitchHotword(quietLogger())
	if h.Running() {
		t.Fatalf("should start stopped")
	}
	_ = h.Start()
	_ = h.Start()
	if !h.Running() {
		t.Fatalf("expected running")
	}
	_ = h.Stop()
	if h.Running() {
		t.Fatalf("expected stopped")
	}
}
