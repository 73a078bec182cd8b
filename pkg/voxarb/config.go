// Package voxarb loads daemon configuration and wires the arbitration engine.
package voxarb

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/voxarb/pkg/params"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	Synthesis   SynthesisConfig   `mapstructure:"synthesis"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Locale      LocaleConfig      `mapstructure:"locale"`
	Arbiter     ArbiterConfig     `mapstructure:"arbiter"`
	Guard       GuardConfig       `mapstructure:"guard"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Privacy     PrivacyConfig     `mapstructure:"privacy"`
}

// VendorConfig configures one provider id. Provider names the registered
// implementation and defaults to the id itself.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SynthesisConfig struct {
	Default string                  `mapstructure:"default"`
	Vendors map[string]VendorConfig `mapstructure:"vendors"`
}

type RecognitionConfig struct {
	Default string                  `mapstructure:"default"`
	RawMic  string                  `mapstructure:"raw_mic"`
	Vendors map[string]VendorConfig `mapstructure:"vendors"`
}

type LocaleConfig struct {
	Recognition string `mapstructure:"recognition"`
	Synthesis   string `mapstructure:"synthesis"`
}

type ArbiterConfig struct {
	EngineTimeoutMS  int    `mapstructure:"engine_timeout_ms"`
	StatusTimeoutMS  int    `mapstructure:"status_timeout_ms"`
	WarmupIntervalMS int    `mapstructure:"warmup_interval_ms"`
	WarmupRetries    int    `mapstructure:"warmup_retries"`
	MaxInitAttempts  int    `mapstructure:"max_init_attempts"`
	InitBackoffMS    int    `mapstructure:"init_backoff_ms"`
	PartialTimeoutMS int    `mapstructure:"partial_timeout_ms"`
	DrainTimeoutMS   int    `mapstructure:"drain_timeout_ms"`
	DefaultPriority  string `mapstructure:"default_priority"`
	QueueDepth       int    `mapstructure:"queue_depth"`
}

type GuardConfig struct {
	Ignore         int         `mapstructure:"ignore"`
	RatePerSec     float64     `mapstructure:"rate_per_sec"`
	Burst          int         `mapstructure:"burst"`
	AbuseThreshold int         `mapstructure:"abuse_threshold"`
	AbuseWindowMS  int         `mapstructure:"abuse_window_ms"`
	Store          string      `mapstructure:"store"`
	Redis          RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type RemoteConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ServerAddr     string   `mapstructure:"server_addr"`
	BindPath       string   `mapstructure:"bind_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type NotifyConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	InputPath  string `mapstructure:"input_path"`
	OutputPath string `mapstructure:"output_path"`
	Paced      bool   `mapstructure:"paced"`
}

type MetricsConfig struct {
	Prometheus    bool    `mapstructure:"prometheus"`
	AsyncBuffer   int     `mapstructure:"async_buffer"`
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
	TimelineDir   string  `mapstructure:"timeline_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads path (yaml, json or toml by extension). An empty path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("synthesis.default", "mock")
	v.SetDefault("recognition.default", "mock")
	v.SetDefault("recognition.raw_mic", "rawmic")
	v.SetDefault("locale.recognition", "en-US")
	v.SetDefault("locale.synthesis", "en-US")
	v.SetDefault("arbiter.engine_timeout_ms", 10000)
	v.SetDefault("arbiter.status_timeout_ms", 900000)
	v.SetDefault("arbiter.warmup_interval_ms", 250)
	v.SetDefault("arbiter.warmup_retries", 4)
	v.SetDefault("arbiter.max_init_attempts", 4)
	v.SetDefault("arbiter.init_backoff_ms", 0)
	v.SetDefault("arbiter.partial_timeout_ms", 0)
	v.SetDefault("arbiter.drain_timeout_ms", 5000)
	v.SetDefault("arbiter.default_priority", "normal")
	v.SetDefault("arbiter.queue_depth", 256)
	v.SetDefault("guard.ignore", 4)
	v.SetDefault("guard.rate_per_sec", 4.0)
	v.SetDefault("guard.burst", 1)
	v.SetDefault("guard.abuse_threshold", 10)
	v.SetDefault("guard.abuse_window_ms", 60000)
	v.SetDefault("guard.store", "memory")
	v.SetDefault("guard.redis.db", 0)
	v.SetDefault("guard.redis.key", "voxarb:blacklist")
	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.server_addr", ":8090")
	v.SetDefault("remote.bind_path", "/bind")
	v.SetDefault("remote.allow_any_origin", false)
	v.SetDefault("notify.provider", "log")
	v.SetDefault("audio.paced", true)
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.async_buffer", 1024)
	v.SetDefault("metrics.log_sample_rate", 1.0)
	v.SetDefault("metrics.timeline_dir", "")
	v.SetDefault("metrics.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Synthesis.Default) == "" {
		return fmt.Errorf("synthesis.default is required")
	}
	if strings.TrimSpace(c.Recognition.Default) == "" {
		return fmt.Errorf("recognition.default is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, ok := params.ParsePriority(c.Arbiter.DefaultPriority); !ok {
		return fmt.Errorf("arbiter.default_priority: unknown priority %q", c.Arbiter.DefaultPriority)
	}
	if c.Arbiter.EngineTimeoutMS < 0 || c.Arbiter.StatusTimeoutMS < 0 || c.Arbiter.PartialTimeoutMS < 0 {
		return fmt.Errorf("arbiter timeouts must not be negative")
	}
	if c.Guard.Ignore < 0 {
		return fmt.Errorf("guard.ignore must not be negative")
	}
	if c.Guard.RatePerSec <= 0 {
		return fmt.Errorf("guard.rate_per_sec must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Guard.Store)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Guard.Redis.Addr) == "" {
			return fmt.Errorf("guard.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("guard.store must be memory or redis, got %q", c.Guard.Store)
	}
	switch strings.ToLower(strings.TrimSpace(c.Notify.Provider)) {
	case "", "log", "twilio":
	default:
		return fmt.Errorf("notify.provider must be log or twilio, got %q", c.Notify.Provider)
	}
	if c.Metrics.LogSampleRate < 0 || c.Metrics.LogSampleRate > 1 {
		return fmt.Errorf("metrics.log_sample_rate must be within 0..1")
	}
	if c.Remote.Enabled && strings.TrimSpace(c.Remote.ServerAddr) == "" {
		return fmt.Errorf("remote.server_addr is required when remote is enabled")
	}
	return nil
}

// Defaults are the request defaults derived from the config.
func (c Config) Defaults() params.Defaults {
	priority, _ := params.ParsePriority(c.Arbiter.DefaultPriority)
	return params.Defaults{
		Priority:          priority,
		RecognitionLocale: c.Locale.Recognition,
		SynthesisLocale:   c.Locale.Synthesis,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	expandVendors(cfg.Synthesis.Vendors)
	expandVendors(cfg.Recognition.Vendors)
	cfg.Notify.Settings = expandSettings(cfg.Notify.Settings)
}

func expandVendors(vendors map[string]VendorConfig) {
	for id, vc := range vendors {
		vc.Provider = os.ExpandEnv(vc.Provider)
		vc.Settings = expandSettings(vc.Settings)
		vendors[id] = vc
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

// expandValue expands plain string fields. Maps of structs are handled by
// expandVendors since their values are not addressable.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
