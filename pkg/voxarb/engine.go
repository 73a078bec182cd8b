package voxarb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/voxarb/pkg/arbiter"
	"github.com/harunnryd/voxarb/pkg/audio"
	"github.com/harunnryd/voxarb/pkg/configutil"
	"github.com/harunnryd/voxarb/pkg/eventloop"
	"github.com/harunnryd/voxarb/pkg/guard"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/notify"
	"github.com/harunnryd/voxarb/pkg/redact"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/resilience"
	"github.com/harunnryd/voxarb/pkg/runner"
	"github.com/harunnryd/voxarb/pkg/transports/ws"
)

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	loop      *eventloop.Loop
	arbiter   *arbiter.Arbiter
	guard     *guard.Guard
	registry  *remote.Registry
	server    *ws.Server
	asyncObs  *metrics.AsyncObserver
	timeline  *metrics.TimelineObserver
	gatherer  prometheus.Gatherer
	redis     *redis.Client
	hotword   arbiter.Hotword
	runner    *runner.LifecycleRunner
	closeOnce sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Logger overrides the logger built from log_level and log_format.
	Logger *slog.Logger
	// Local receives outcomes of console and in-process requests.
	Local   remote.Listener
	Hotword arbiter.Hotword
	// Notifier overrides notify.provider.
	Notifier notify.Notifier
	// Store overrides guard.store.
	Store guard.Store
	// Registerer and Gatherer default to a private prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Source     audio.Source
	Sink       audio.Sink
	// Banner receives the startup banner when set.
	Banner io.Writer
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("voxarb_init",
		"synthesis_provider", cfg.Synthesis.Default,
		"recognition_provider", cfg.Recognition.Default,
		"raw_mic_provider", cfg.Recognition.RawMic,
		"guard_store", cfg.Guard.Store,
		"remote_enabled", cfg.Remote.Enabled,
	)

	e := &Engine{cfg: cfg, logger: logging.NewComponentLogger(logger, "engine")}

	observer, err := e.buildObservers(logger, opts)
	if err != nil {
		return nil, err
	}

	e.loop = eventloop.New(cfg.Arbiter.QueueDepth, logger)

	store := opts.Store
	if store == nil {
		store, err = e.buildStore(ctx)
		if err != nil {
			_ = e.closeInfra()
			return nil, err
		}
	}
	e.guard, err = guard.New(ctx, guard.Options{
		Ignore: cfg.Guard.Ignore,
		Rate:   cfg.Guard.RatePerSec,
		Burst:  cfg.Guard.Burst,
		Policy: guard.WindowPolicy{
			Threshold: cfg.Guard.AbuseThreshold,
			Window:    ms(cfg.Guard.AbuseWindowMS),
		},
		Store:    store,
		Observer: observer,
		Logger:   logger,
		Persist:  e.loop.Go,
	})
	if err != nil {
		_ = e.closeInfra()
		return nil, fmt.Errorf("guard: %w", err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = buildNotifier(cfg.Notify, logger)
		if err != nil {
			_ = e.closeInfra()
			return nil, err
		}
	}

	source, sink := opts.Source, opts.Sink
	if source == nil && strings.TrimSpace(cfg.Audio.InputPath) != "" {
		source = audio.NewFileSource(cfg.Audio.InputPath, cfg.Audio.Paced)
	}
	if sink == nil {
		if dir := strings.TrimSpace(cfg.Audio.OutputPath); dir != "" {
			sink = audio.FileSink{Dir: dir}
		} else {
			sink = audio.DiscardSink{}
		}
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	factories, err := providers.Factories(cfg, BuildDeps{
		Source:  source,
		Sink:    sink,
		Breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		Logger:  logger,
	})
	if err != nil {
		_ = e.closeInfra()
		return nil, err
	}

	e.hotword = opts.Hotword
	if e.hotword == nil {
		e.hotword = NewSwitchHotword(logger)
	}
	e.registry = remote.NewRegistry(logger)
	e.arbiter, err = arbiter.New(arbiter.Options{
		Factories:           factories,
		SynthesisProvider:   cfg.Synthesis.Default,
		RecognitionProvider: cfg.Recognition.Default,
		RawMicProvider:      cfg.Recognition.RawMic,
		Credentials:         cfg.Credentials,
		Defaults:            cfg.Defaults(),
		Guard:               e.guard,
		Registry:            e.registry,
		Local:               opts.Local,
		Notifier:            notifier,
		Hotword:             e.hotword,
		Loop:                e.loop,
		Observer:            observer,
		Logger:              logger,
		EngineTimeout:       ms(cfg.Arbiter.EngineTimeoutMS),
		StatusTimeout:       ms(cfg.Arbiter.StatusTimeoutMS),
		PartialTimeout:      ms(cfg.Arbiter.PartialTimeoutMS),
		WarmupInterval:      ms(cfg.Arbiter.WarmupIntervalMS),
		WarmupRetries:       cfg.Arbiter.WarmupRetries,
		MaxInitAttempts:     cfg.Arbiter.MaxInitAttempts,
		InitBackoff:         ms(cfg.Arbiter.InitBackoffMS),
		DrainTimeout:        ms(cfg.Arbiter.DrainTimeoutMS),
	})
	if err != nil {
		_ = e.closeInfra()
		return nil, fmt.Errorf("arbiter: %w", err)
	}

	if cfg.Remote.Enabled {
		wsOpts := []ws.Option{ws.WithLogger(logger)}
		if e.gatherer != nil {
			wsOpts = append(wsOpts, ws.WithGatherer(e.gatherer))
		}
		e.server = ws.New(ws.Config{
			ServerAddr:     cfg.Remote.ServerAddr,
			BindPath:       cfg.Remote.BindPath,
			AllowAnyOrigin: cfg.Remote.AllowAnyOrigin,
			AllowedOrigins: cfg.Remote.AllowedOrigins,
		}, e.arbiter, wsOpts...)
	}

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.start,
		OnStop:  func() { e.logger.Info("voxarb_stopped") },
	}, e.drainTimeout()+time.Second)
	e.runner.Banner = opts.Banner
	return e, nil
}

func (e *Engine) buildObservers(logger *slog.Logger, opts EngineOptions) (metrics.Observer, error) {
	list := []metrics.Observer{metrics.NewSamplingObserver(
		metrics.NewLoggerObserver(logger).WithLevel(slog.LevelDebug),
		e.cfg.Metrics.LogSampleRate,
		metrics.EventPartialResult,
	)}
	if e.cfg.Metrics.Prometheus {
		reg, gatherer := opts.Registerer, opts.Gatherer
		if reg == nil {
			pr := prometheus.NewRegistry()
			reg = pr
			if gatherer == nil {
				gatherer = pr
			}
		}
		prom, err := metrics.NewPrometheusObserver(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus: %w", err)
		}
		e.gatherer = gatherer
		list = append(list, prom)
	}
	if dir := strings.TrimSpace(e.cfg.Metrics.TimelineDir); dir != "" {
		if days := e.cfg.Metrics.RetentionDays; days > 0 {
			if n, err := metrics.PurgeTimelines(dir, time.Duration(days)*24*time.Hour); err != nil {
				e.logger.Warn("timeline_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				e.logger.Info("timeline_purged", "dir", dir, "removed", n)
			}
		}
		e.timeline = metrics.NewTimelineObserver(dir)
		list = append(list, e.timeline)
	}
	buffer := e.cfg.Metrics.AsyncBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.Combine(list...), buffer).
		WithDropLog(logging.NewComponentLogger(logger, "metrics"))
	return e.asyncObs, nil
}

func (e *Engine) buildStore(ctx context.Context) (guard.Store, error) {
	if !strings.EqualFold(strings.TrimSpace(e.cfg.Guard.Store), "redis") {
		return guard.NewMemoryStore(), nil
	}
	rc := e.cfg.Guard.Redis
	e.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := e.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	return guard.NewRedisStore(e.redis, rc.Key), nil
}

func buildNotifier(cfg NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logging.NewComponentLogger(logger, "notify"))
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "log":
		return logNotifier, nil
	case "twilio":
		var tc notify.TwilioConfig
		if err := configutil.Decode(cfg.Settings, notify.TwilioSchema, &tc); err != nil {
			return nil, fmt.Errorf("notify.settings: %w", err)
		}
		sms, err := notify.NewTwilioNotifier(tc)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		return notify.Multi{logNotifier, sms}, nil
	default:
		return nil, fmt.Errorf("notify provider not registered: %s", cfg.Provider)
	}
}

// Run blocks until ctx ends or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Stop ends a Run. Without a Run it releases everything directly.
func (e *Engine) Stop() error {
	if e.runner.State() == runner.StateNew {
		return e.drain()
	}
	return e.runner.Stop()
}

func (e *Engine) start(ctx context.Context) error {
	if e.server == nil {
		e.logger.Info("voxarb_started", "remote", false)
		return nil
	}
	if err := e.server.Start(ctx); err != nil {
		return fmt.Errorf("remote server: %w", err)
	}
	e.logger.Info("voxarb_started", "remote", true, "addr", e.server.Addr())
	return nil
}

func (e *Engine) drain() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.logger.Info("voxarb_draining")
		if e.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout())
			if err := e.server.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("remote server: %w", err))
			}
			cancel()
		}
		if e.arbiter != nil {
			e.arbiter.Close()
		}
		if err := e.closeInfra(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) drainTimeout() time.Duration {
	if d := ms(e.cfg.Arbiter.DrainTimeoutMS); d > 0 {
		return d
	}
	return 5 * time.Second
}

func (e *Engine) closeInfra() error {
	if e.loop != nil {
		e.loop.Close(e.drainTimeout())
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			return fmt.Errorf("redis close: %w", err)
		}
		e.redis = nil
	}
	return nil
}

func (e *Engine) Arbiter() *arbiter.Arbiter     { return e.arbiter }
func (e *Engine) Guard() *guard.Guard           { return e.guard }
func (e *Engine) Registry() *remote.Registry    { return e.registry }
func (e *Engine) Server() *ws.Server            { return e.server }
func (e *Engine) Hotword() arbiter.Hotword      { return e.hotword }
func (e *Engine) Config() Config                { return e.cfg }
func (e *Engine) State() runner.State           { return e.runner.State() }
func (e *Engine) Gatherer() prometheus.Gatherer { return e.gatherer }

func (e *Engine) Health() error {
	if e.arbiter == nil {
		return fmt.Errorf("missing arbiter")
	}
	if e.runner.State() != runner.StateRunning {
		return fmt.Errorf("engine %s", e.runner.State())
	}
	return nil
}

// SwitchHotword tracks the detector on/off state for hosts without a wake-word
// engine attached.
type SwitchHotword struct {
	running atomic.Bool
	logger  *slog.Logger
}

func NewSwitchHotword(logger *slog.Logger) *SwitchHotword {
	return &SwitchHotword{logger: logging.NewComponentLogger(logger, "hotword")}
}

func (h *SwitchHotword) Start() error {
	if h.running.CompareAndSwap(false, true) {
		h.logger.Info("hotword_started")
	}
	return nil
}

func (h *SwitchHotword) Stop() error {
	if h.running.CompareAndSwap(true, false) {
		h.logger.Info("hotword_stopped")
	}
	return nil
}

func (h *SwitchHotword) Running() bool { return h.running.Load() }
