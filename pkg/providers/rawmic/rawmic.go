// Package rawmic captures raw microphone audio for flows that analyse the
// voice itself rather than a transcript.
package rawmic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/audio"
	"github.com/harunnryd/voxarb/pkg/configutil"
	"github.com/harunnryd/voxarb/pkg/logging"
)

const (
	DefaultDuration = 5 * time.Second
	DefaultMaxBytes = 1 << 20
)

type Config struct {
	Duration time.Duration
	MaxBytes int
}

// Settings is the vendor settings block.
type Settings struct {
	DurationMS int `mapstructure:"duration_ms"`
	MaxBytes   int `mapstructure:"max_bytes"`
}

// Schema validates Settings maps.
var Schema = configutil.Schema{
	Optional: []string{"duration_ms", "max_bytes"},
}

func (s Settings) Config() Config {
	return Config{Duration: time.Duration(s.DurationMS) * time.Millisecond, MaxBytes: s.MaxBytes}
}

// Capture records from src until the duration elapses, the byte cap is hit or
// the session is stopped, then reports the PCM as the result payload.
type Capture struct {
	req    adapters.Request
	cfg    Config
	src    audio.Source
	logger *slog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	canceled bool
}

// NewFactory builds captures reading from src.
func NewFactory(src audio.Source, cfg Config, logger *slog.Logger) adapters.Factory {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "rawmic")
	return func(req adapters.Request) (adapters.Adapter, error) {
		if src == nil {
			return nil, adapters.NewError(adapters.ProviderRawMic, adapters.ErrAudio, audio.ErrNoDevice)
		}
		return &Capture{req: req, cfg: cfg, src: src, logger: logger, stop: make(chan struct{})}, nil
	}
}

func (c *Capture) Name() string { return adapters.ProviderRawMic }

func (c *Capture) Start(ctx context.Context, l adapters.Listener) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Duration)
	r, err := c.src.Open(ctx)
	if err != nil {
		cancel()
		return adapters.NewError(adapters.ProviderRawMic, adapters.ErrAudio, err)
	}
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	go c.capture(ctx, cancel, r, l)
	return nil
}

func (c *Capture) capture(ctx context.Context, cancel context.CancelFunc, r io.ReadCloser, l adapters.Listener) {
	defer cancel()
	defer r.Close()
	id := c.req.UtteranceID
	l.OnEvent(adapters.Started{UtteranceID: id})

	var pcm []byte
	buf := make([]byte, 4096)
	for len(pcm) < c.cfg.MaxBytes {
		n, err := r.Read(buf)
		pcm = append(pcm, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Warn("rawmic_read_failed", "utterance_id", id, "error", err)
				l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrAudio, Err: err})
				return
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(pcm) > c.cfg.MaxBytes {
		pcm = pcm[:c.cfg.MaxBytes]
	}

	c.mu.Lock()
	canceled := c.canceled
	c.mu.Unlock()
	if canceled {
		return
	}
	l.OnEvent(adapters.EndOfSpeech{UtteranceID: id})
	if len(pcm) == 0 {
		l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrNoMatch})
		return
	}
	c.logger.Debug("rawmic_captured", "utterance_id", id, "bytes", len(pcm), "condition", c.req.Condition)
	l.OnEvent(adapters.Result{UtteranceID: id, Payload: adapters.Payload{Audio: pcm}})
}

// Stop ends the capture early and reports what was recorded so far.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Cancel ends the capture without a result.
func (c *Capture) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	c.Stop()
}
