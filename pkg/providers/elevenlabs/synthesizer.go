// Package elevenlabs synthesizes speech over the ElevenLabs stream-input
// websocket and plays it into an audio sink.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/audio"
	"github.com/harunnryd/voxarb/pkg/configutil"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/resilience"
)

const (
	DefaultBaseURL     = "wss://api.elevenlabs.io"
	DefaultDialTimeout = 5 * time.Second
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	DialTimeout  time.Duration
}

// Settings is the vendor settings block.
type Settings struct {
	APIKey        string `mapstructure:"api_key"`
	VoiceID       string `mapstructure:"voice_id"`
	ModelID       string `mapstructure:"model_id"`
	OutputFormat  string `mapstructure:"output_format"`
	BaseURL       string `mapstructure:"base_url"`
	DialTimeoutMS int    `mapstructure:"dial_timeout_ms"`
}

// Schema validates Settings maps.
var Schema = configutil.Schema{
	Required: []string{"voice_id"},
	Optional: []string{"api_key", "model_id", "output_format", "base_url", "dial_timeout_ms"},
}

func (s Settings) Config() Config {
	return Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
		DialTimeout:  time.Duration(s.DialTimeoutMS) * time.Millisecond,
	}
}

// Deps are shared by every synthesizer a factory builds.
type Deps struct {
	Sink    audio.Sink
	Breaker *resilience.CircuitBreaker
	Retry   resilience.RetryPolicy
	Logger  *slog.Logger
}

func NewFactory(cfg Config, deps Deps) adapters.Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if deps.Sink == nil {
		deps.Sink = audio.DiscardSink{}
	}
	if deps.Retry.MaxRetries == 0 {
		deps.Retry = resilience.NewRetryPolicy(1, 200*time.Millisecond)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := logging.NewComponentLogger(deps.Logger, "elevenlabs")
	return func(req adapters.Request) (adapters.Adapter, error) {
		key := req.Credentials["api_key"]
		if key == "" {
			key = cfg.APIKey
		}
		if key == "" || cfg.VoiceID == "" {
			return nil, adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrInsufficientPermissions, errors.New("missing elevenlabs config"))
		}
		return &Synthesizer{
			req:    req,
			cfg:    cfg,
			key:    key,
			deps:   deps,
			logger: logger.With("utterance_id", req.UtteranceID),
		}, nil
	}
}

// Synthesizer speaks one utterance.
type Synthesizer struct {
	req    adapters.Request
	cfg    Config
	key    string
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	out     io.WriteCloser
	started bool
	closed  bool
}

func (s *Synthesizer) Name() string { return adapters.ProviderElevenLabs }

func (s *Synthesizer) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	if lang := language(s.req.Locale); lang != "" {
		q.Set("language_code", lang)
	}
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

func language(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}

func (s *Synthesizer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: s.cfg.DialTimeout}
	var conn *websocket.Conn
	err := s.deps.Retry.Do(ctx, func() error {
		c, resp, err := dialer.DialContext(ctx, s.buildURL(), http.Header{"xi-api-key": []string{s.key}})
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				return resilience.RateLimitError{
					Provider:   adapters.ProviderElevenLabs,
					Message:    resp.Status,
					RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
				}
			case http.StatusUnauthorized, http.StatusForbidden:
				return resilience.Permanent(adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrInsufficientPermissions, errors.New(resp.Status)))
			}
		}
		return err
	})
	return conn, err
}

func (s *Synthesizer) Start(ctx context.Context, l adapters.Listener) error {
	if !s.deps.Breaker.Allow() {
		return adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrRateLimited, errors.New("circuit open"))
	}
	conn, err := s.dial(ctx)
	if err != nil {
		s.deps.Breaker.OnError(err)
		s.logger.Warn("elevenlabs_connect_failed", "error", err)
		var pe *adapters.ProviderError
		switch {
		case errors.As(err, &pe):
			return pe
		case resilience.IsRateLimit(err):
			return adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrRateLimited, err)
		default:
			return adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrNetwork, err)
		}
	}
	s.deps.Breaker.OnSuccess()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	text := strings.TrimSpace(s.req.Text) + " "
	msgs := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text, "flush": true},
		{"text": ""},
	}
	for _, m := range msgs {
		if err := s.send(m); err != nil {
			s.shutdown()
			return adapters.NewError(adapters.ProviderElevenLabs, adapters.ErrNetwork, err)
		}
	}
	s.logger.Debug("elevenlabs_text_sent", "queue_mode", s.req.QueueMode.String(), "output_format", s.cfg.OutputFormat)

	go s.readLoop(ctx, conn, l)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	return nil
}

type message struct {
	Audio   *string `json:"audio"`
	IsFinal bool    `json:"isFinal"`
	Error   string  `json:"error"`
	Message string  `json:"message"`
}

func (s *Synthesizer) readLoop(ctx context.Context, conn *websocket.Conn, l adapters.Listener) {
	id := s.req.UtteranceID
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			s.logger.Warn("elevenlabs_read_failed", "error", err)
			s.shutdown()
			l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrNetwork, Err: err})
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", "size", len(data))
			continue
		}
		if msg.Error != "" {
			s.shutdown()
			l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrServer, Err: errors.New(msg.Error + ": " + msg.Message)})
			return
		}
		if msg.Audio != nil && *msg.Audio != "" {
			if err := s.play(ctx, *msg.Audio, l); err != nil {
				s.shutdown()
				l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrAudio, Err: err})
				return
			}
		}
		if msg.IsFinal {
			s.shutdown()
			if s.isStarted() {
				l.OnEvent(adapters.Result{UtteranceID: id})
			} else {
				l.OnEvent(adapters.Failed{UtteranceID: id, Code: adapters.ErrServer, Err: errors.New("no audio produced")})
			}
			return
		}
	}
}

// play writes one chunk; the first chunk opens the sink and reports Started.
func (s *Synthesizer) play(ctx context.Context, chunk string, l adapters.Listener) error {
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return err
	}
	s.mu.Lock()
	first := !s.started
	if first {
		out, err := s.deps.Sink.Open(ctx, s.req.UtteranceID)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.out = out
		s.started = true
	}
	out := s.out
	s.mu.Unlock()
	if first {
		l.OnEvent(adapters.Started{UtteranceID: s.req.UtteranceID})
	}
	_, err = out.Write(raw)
	return err
}

func (s *Synthesizer) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Synthesizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Synthesizer) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Synthesizer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.out != nil {
		_ = s.out.Close()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
	}
}

// Stop stops talking. No further events are reported.
func (s *Synthesizer) Stop() { s.shutdown() }

func (s *Synthesizer) Cancel() { s.shutdown() }

var _ adapters.Adapter = (*Synthesizer)(nil)
