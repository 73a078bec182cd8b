// Package ws serves the remote binding endpoint: callers connect over a
// websocket, are admitted by the arbiter and then submit speak requests whose
// outcomes stream back on the same connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/remote"
)

// ErrClosed is returned when writing to a connection that went away.
var ErrClosed = errors.New("connection closed")

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	BindPath       string   `mapstructure:"bind_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.BindPath == "" {
		c.BindPath = "/bind"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Binder is the arbiter as the server drives it.
type Binder interface {
	Bind(ctx context.Context, caller params.CallerIdentity) error
	RemoteSpeakListen(ctx context.Context, caller params.CallerIdentity, l remote.Listener, raw map[string]any) error
	RemoteSpeakOnly(ctx context.Context, caller params.CallerIdentity, l remote.Listener, raw map[string]any) error
	ReleaseRemote(l remote.Listener) error
}

// Inbound is a caller request frame.
type Inbound struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params"`
}

// Outbound is an event frame sent to the caller.
type Outbound struct {
	Event      string    `json:"event"`
	RequestID  string    `json:"request_id,omitempty"`
	Results    []string  `json:"results,omitempty"`
	Confidence []float32 `json:"confidence,omitempty"`
	Audio      []byte    `json:"audio,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const (
	OpSpeakListen = "speak_listen"
	OpSpeakOnly   = "speak_only"
	OpPing        = "ping"
)

type Server struct {
	cfg      Config
	binder   Binder
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}

	draining atomic.Bool
}

type Option func(*Server)

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(cfg Config, binder Binder, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		binder: binder,
		logger: slog.Default(),
		conns:  make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "ws_server")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Name() string { return "ws" }

// Handler routes the bind endpoint, /health and, with a gatherer, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.BindPath, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured address and serves until ctx ends or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws_server_error", "error", err)
		}
	}()
	s.logger.Info("ws_server_listening", "addr", ln.Addr().String(), "bind_path", s.cfg.BindPath)
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ServerAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.mu.Lock()
	for c := range s.conns {
		c.close(websocket.CloseGoingAway, "shutdown")
	}
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()
	return err
}

// Connections is the number of bound callers.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func callerFrom(r *http.Request) (params.CallerIdentity, error) {
	q := r.URL.Query()
	pkg := strings.TrimSpace(q.Get("package"))
	if pkg == "" {
		return params.CallerIdentity{}, errors.New("package is required")
	}
	uid := 0
	if v := strings.TrimSpace(q.Get("uid")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params.CallerIdentity{}, errors.New("uid must be numeric")
		}
		uid = n
	}
	return params.CallerIdentity{Package: pkg, UID: uid}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", "caller", caller.String(), "error", err)
		return
	}
	c := newConn(ws, s.logger.With("caller", caller.String()))
	go c.writeLoop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := s.binder.Bind(ctx, caller); err != nil {
		s.logger.Warn("ws_bind_denied", "caller", caller.String(), "reason", errorsx.Reason(err))
		c.close(websocket.ClosePolicyViolation, "denied")
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		if err := s.binder.ReleaseRemote(c); err != nil {
			s.logger.Debug("ws_release_failed", "caller", caller.String(), "error", err)
		}
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close(websocket.CloseNormalClosure, "")
	}()
	s.logger.Info("ws_caller_bound", "caller", caller.String())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("ws_caller_gone", "caller", caller.String(), "error", err)
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.send(Outbound{Event: "error", Error: errorsx.CodeDeveloper.String()})
			continue
		}
		switch in.Op {
		case OpSpeakListen:
			err = s.binder.RemoteSpeakListen(ctx, caller, c, in.Params)
		case OpSpeakOnly:
			err = s.binder.RemoteSpeakOnly(ctx, caller, c, in.Params)
		case OpPing:
			err = c.send(Outbound{Event: "pong"})
		default:
			err = c.send(Outbound{Event: "error", Error: errorsx.CodeDeveloper.String()})
		}
		if err != nil {
			s.logger.Warn("ws_request_failed", "op", in.Op, "error", err)
			_ = c.send(Outbound{Event: "error", Error: errorsx.CodeSaiy.String()})
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// conn is one bound caller. It is the remote listener for that caller's
// requests; sends never block the arbitration loop.
type conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{ws: ws, logger: logger, sendCh: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *conn) send(out Outbound) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.sendCh <- b:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *conn) writeLoop() {
	defer close(c.done)
	for msg := range c.sendCh {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("ws_write_failed", "error", err)
		}
	}
}

// close flushes queued events, sends a close frame and closes the socket.
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *conn) OnUtteranceCompleted(id string) error {
	return c.send(Outbound{Event: "utterance_completed", RequestID: id})
}

func (c *conn) OnSpeechResults(p adapters.Payload, id string) error {
	return c.send(Outbound{Event: "speech_results", RequestID: id, Results: p.Texts, Confidence: p.Confidence, Audio: p.Audio})
}

func (c *conn) OnPartialResults(p adapters.Payload, id string) error {
	return c.send(Outbound{Event: "partial_results", RequestID: id, Results: p.Texts})
}

func (c *conn) OnError(code errorsx.Code, id string) error {
	return c.send(Outbound{Event: "error", RequestID: id, Error: code.String()})
}

var (
	_ remote.Listener        = (*conn)(nil)
	_ remote.PartialListener = (*conn)(nil)
)
