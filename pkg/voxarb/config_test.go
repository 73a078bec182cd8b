package voxarb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/params"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxarb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Synthesis.Default != "mock" || cfg.Recognition.Default != "mock" || cfg.Recognition.RawMic != "rawmic" {
		t.Fatalf("unexpected providers %+v %+v", cfg.Synthesis, cfg.Recognition)
	}
	if ms(cfg.Arbiter.EngineTimeoutMS) != 10*time.Second || ms(cfg.Arbiter.StatusTimeoutMS) != 15*time.Minute {
		t.Fatalf("unexpected arbiter timeouts %+v", cfg.Arbiter)
	}
	if cfg.Guard.Ignore != 4 || cfg.Guard.RatePerSec != 4 || cfg.Guard.AbuseThreshold != 10 {
		t.Fatalf("unexpected guard %+v", cfg.Guard)
	}
	if cfg.Remote.ServerAddr != ":8090" || cfg.Remote.BindPath != "/bind" {
		t.Fatalf("unexpected remote %+v", cfg.Remote)
	}
	if !cfg.Metrics.Prometheus || cfg.LogFormat != "text" {
		t.Fatalf("unexpected ambient config %+v", cfg)
	}
	d := cfg.Defaults()
	if d.Priority != params.PriorityNormal || d.RecognitionLocale != "en-US" || d.SynthesisLocale != "en-US" {
		t.Fatalf("unexpected defaults %+v", d)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("VOXARB_TEST_DG_KEY", "dg-secret")
	t.Setenv("VOXARB_TEST_ADDR", "127.0.0.1:9999")
	path := writeConfig(t, `
log_level: debug
recognition:
  default: live
  vendors:
    live:
      provider: deepgram
      settings:
        api_key: ${VOXARB_TEST_DG_KEY}
        model: nova-2
remote:
  server_addr: ${VOXARB_TEST_ADDR}
  allowed_origins: ["https://${VOXARB_TEST_ADDR}"]
arbiter:
  default_priority: max
  partial_timeout_ms: 1500
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Recognition.Vendors["live"].Settings["api_key"]; got != "dg-secret" {
		t.Fatalf("expected expanded api key, got %v", got)
	}
	if cfg.Recognition.Vendors["live"].Provider != "deepgram" {
		t.Fatalf("unexpected vendor %+v", cfg.Recognition.Vendors["live"])
	}
	if cfg.Remote.ServerAddr != "127.0.0.1:9999" || cfg.Remote.AllowedOrigins[0] != "https://127.0.0.1:9999" {
		t.Fatalf("unexpected remote %+v", cfg.Remote)
	}
	if cfg.Defaults().Priority != params.PriorityMax {
		t.Fatalf("expected max priority default")
	}
	if creds := cfg.Credentials(adapters.KindRecognition, "live"); creds["api_key"] != "dg-secret" {
		t.Fatalf("unexpected credentials %v", creds)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"log_format":       "log_format: xml\n",
		"default_priority": "arbiter:\n  default_priority: urgent\n",
		"redis_addr":       "guard:\n  store: redis\n",
		"store":            "guard:\n  store: etcd\n",
		"notify":           "notify:\n  provider: pager\n",
		"rate":             "guard:\n  rate_per_sec: 0\n",
		"sample_rate":      "metrics:\n  log_sample_rate: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "validate config") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
