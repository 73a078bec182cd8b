// Package deepgram recognizes speech over the Deepgram live websocket API.
package deepgram

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

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/audio"
	"github.com/harunnryd/voxarb/pkg/configutil"
	"github.com/harunnryd/voxarb/pkg/logging"
)

const DefaultConnectTimeout = 5 * time.Second

type Config struct {
	APIKey         string
	Model          string
	Encoding       string
	SampleRate     int
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	ConnectTimeout time.Duration
}

// Settings is the vendor settings block.
type Settings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Encoding         string `mapstructure:"encoding"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Interim          bool   `mapstructure:"interim_results"`
	VADEvents        bool   `mapstructure:"vad_events"`
	UtteranceEndMS   int    `mapstructure:"utterance_end_ms"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
}

// Schema validates Settings maps.
var Schema = configutil.Schema{
	Optional: []string{"api_key", "model", "encoding", "sample_rate", "interim_results", "vad_events", "utterance_end_ms", "connect_timeout_ms"},
}

func (s Settings) Config() Config {
	return Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Encoding:       s.Encoding,
		SampleRate:     s.SampleRate,
		Interim:        s.Interim,
		VADEvents:      s.VADEvents,
		UtteranceEndMS: s.UtteranceEndMS,
		ConnectTimeout: time.Duration(s.ConnectTimeoutMS) * time.Millisecond,
	}
}

// Stream is the live connection as the recognizer uses it.
type Stream interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

// Dialer opens a live connection delivering messages to cb.
type Dialer func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (Stream, error)

// Dial uses the Deepgram SDK websocket client.
func Dial(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (Stream, error) {
	c, err := client.NewWSUsingCallback(ctx, apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewFactory builds recognizers that stream src to Deepgram. Each recognizer
// starts connecting as soon as it is built and reports Ready once connected.
func NewFactory(cfg Config, src audio.Source, dial Dialer, logger *slog.Logger) adapters.Factory {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
		if src != nil {
			cfg.SampleRate = src.Format().SampleRate
		}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if dial == nil {
		dial = Dial
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "deepgram")
	return func(req adapters.Request) (adapters.Adapter, error) {
		if src == nil {
			return nil, adapters.NewError(adapters.ProviderDeepgram, adapters.ErrAudio, audio.ErrNoDevice)
		}
		key := req.Credentials["api_key"]
		if key == "" {
			key = cfg.APIKey
		}
		if key == "" {
			return nil, adapters.NewError(adapters.ProviderDeepgram, adapters.ErrInsufficientPermissions, errors.New("missing api key"))
		}
		r := newRecognizer(req, cfg, src, logger.With("utterance_id", req.UtteranceID))
		go r.connect(dial, key)
		return r, nil
	}
}

type transcript struct {
	text        string
	confidence  float32
	final       bool
	speechFinal bool
}

// Recognizer is one live recognition session.
type Recognizer struct {
	req    adapters.Request
	cfg    Config
	src    audio.Source
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready     atomic.Bool
	connected chan struct{}
	connErr   error
	stream    Stream

	mu       sync.Mutex
	listener adapters.Listener
	texts    []string
	conf     []float32
	done     bool
}

func newRecognizer(req adapters.Request, cfg Config, src audio.Source, logger *slog.Logger) *Recognizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recognizer{
		req:       req,
		cfg:       cfg,
		src:       src,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
	}
}

func (r *Recognizer) Name() string { return adapters.ProviderDeepgram }

// Ready reports whether the websocket is connected.
func (r *Recognizer) Ready() bool { return r.ready.Load() }

func (r *Recognizer) options() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.req.Locale,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: r.cfg.Interim,
		VadEvents:      r.cfg.VADEvents,
		SmartFormat:    true,
	}
	if r.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", r.cfg.UtteranceEndMS)
	}
	return opts
}

func (r *Recognizer) connect(dial Dialer, key string) {
	defer close(r.connected)
	start := time.Now()
	s, err := dial(r.ctx, key, r.options(), &callback{r: r})
	if err != nil {
		r.connErr = err
		r.logger.Warn("deepgram_client_create_error", "error", err)
		return
	}
	if !s.Connect() {
		r.connErr = errors.New("deepgram connection failed")
		r.logger.Warn("deepgram_connect_failed", "model", r.cfg.Model)
		return
	}
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		s.Stop()
		r.connErr = context.Canceled
		r.logger.Debug("deepgram_connected_after_cancel", "model", r.cfg.Model)
		return
	}
	r.stream = s
	r.ready.Store(true)
	r.mu.Unlock()
	r.logger.Info("deepgram_connected", "model", r.cfg.Model, "locale", r.req.Locale, "elapsed", time.Since(start))
}

func (r *Recognizer) Start(ctx context.Context, l adapters.Listener) error {
	t := time.NewTimer(r.cfg.ConnectTimeout)
	defer t.Stop()
	select {
	case <-r.connected:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return adapters.NewError(adapters.ProviderDeepgram, adapters.ErrNetworkTimeout, errors.New("connect timeout"))
	}
	if r.connErr != nil {
		return adapters.NewError(adapters.ProviderDeepgram, adapters.ErrNetwork, r.connErr)
	}

	in, err := r.src.Open(r.ctx)
	if err != nil {
		return adapters.NewError(adapters.ProviderDeepgram, adapters.ErrAudio, err)
	}
	r.mu.Lock()
	stream := r.stream
	if r.done || stream == nil {
		r.mu.Unlock()
		_ = in.Close()
		return context.Canceled
	}
	r.listener = l
	r.mu.Unlock()

	go func() {
		defer in.Close()
		if err := stream.Stream(in); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram_stream_error", "error", err)
			r.finish(adapters.Failed{UtteranceID: r.req.UtteranceID, Code: adapters.ErrNetwork, Err: err})
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			r.teardown()
		case <-r.ctx.Done():
		}
	}()
	l.OnEvent(adapters.Started{UtteranceID: r.req.UtteranceID})
	return nil
}

func (r *Recognizer) onTranscript(tr transcript) {
	text := strings.TrimSpace(tr.text)
	if text == "" {
		return
	}
	r.mu.Lock()
	l := r.listener
	if l == nil || r.done {
		r.mu.Unlock()
		return
	}
	if !tr.final {
		r.mu.Unlock()
		l.OnEvent(adapters.Partial{UtteranceID: r.req.UtteranceID, Payload: adapters.Payload{
			Texts:      []string{text},
			Confidence: []float32{tr.confidence},
		}})
		return
	}
	r.texts = append(r.texts, text)
	r.conf = append(r.conf, tr.confidence)
	r.mu.Unlock()
	if tr.speechFinal {
		r.complete()
	}
}

// complete reports the accumulated final segments as one result.
func (r *Recognizer) complete() {
	r.mu.Lock()
	texts, conf := r.texts, r.conf
	r.mu.Unlock()
	if len(texts) == 0 {
		return
	}
	r.finish(adapters.Result{UtteranceID: r.req.UtteranceID, Payload: adapters.Payload{
		Texts:      []string{strings.Join(texts, " ")},
		Confidence: []float32{mean(conf)},
	}})
}

func (r *Recognizer) endOfSpeech() {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.OnEvent(adapters.EndOfSpeech{UtteranceID: r.req.UtteranceID})
	}
}

func (r *Recognizer) finish(ev adapters.Event) {
	r.mu.Lock()
	l := r.listener
	if r.done || l == nil {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	l.OnEvent(ev)
	r.teardown()
}

func (r *Recognizer) closed() {
	r.mu.Lock()
	pending := len(r.texts) > 0
	r.mu.Unlock()
	if pending {
		r.complete()
		return
	}
	r.finish(adapters.Failed{UtteranceID: r.req.UtteranceID, Code: adapters.ErrNetwork, Err: errors.New("connection closed")})
}

func (r *Recognizer) teardown() {
	r.mu.Lock()
	r.done = true
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()
	r.cancel()
	if stream != nil {
		stream.Stop()
	}
}

func (r *Recognizer) Stop()   { r.teardown() }
func (r *Recognizer) Cancel() { r.teardown() }

func mean(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	var sum float32
	for _, x := range v {
		sum += x
	}
	return sum / float32(len(v))
}

type callback struct {
	r *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.r.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	c.r.onTranscript(transcript{
		text:        alt.Transcript,
		confidence:  float32(alt.Confidence),
		final:       mr.IsFinal || mr.SpeechFinal,
		speechFinal: mr.SpeechFinal,
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.r.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.r.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.r.endOfSpeech()
	c.r.complete()
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.r.logger.Debug("deepgram_connection_closed")
	c.r.closed()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.r.logger.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	c.r.finish(adapters.Failed{UtteranceID: c.r.req.UtteranceID, Code: adapters.ErrServer, Err: errors.New(er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(data []byte) error {
	c.r.logger.Debug("deepgram_unhandled_event", "size", len(data))
	return nil
}

var (
	_ adapters.Adapter                  = (*Recognizer)(nil)
	_ adapters.Warmer                   = (*Recognizer)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
