// Package arbiter decides, for every speak and listen request, whether it
// proceeds, waits, preempts the current activity or is rejected, and drives
// the chosen provider through its lifecycle.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/eventloop"
	"github.com/harunnryd/voxarb/pkg/guard"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/notify"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/redact"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/state"
	"github.com/harunnryd/voxarb/pkg/watchdog"
)

var (
	// ErrDenied is returned by Bind for blacklisted callers.
	ErrDenied = errors.New("caller denied")
	// ErrNoFactories is returned by New without a provider registry.
	ErrNoFactories = errors.New("provider factories required")
)

// Arbiter owns the speech and recognition resources. Every method is safe to
// call from any goroutine; the work itself runs on the arbitration loop.
type Arbiter struct {
	opts     Options
	loop     *eventloop.Loop
	ownsLoop bool
	regs     *state.Registers
	registry *remote.Registry
	guard    Gate
	logger   *slog.Logger
	observer metrics.Observer

	engineMonitor    *watchdog.Timer
	statusMonitor    *watchdog.Timer
	partialFinalizer *watchdog.Timer

	// loop-confined
	speech      *session
	recognition *session
}

// New builds an arbiter from opts. Factories is required.
func New(opts Options) (*Arbiter, error) {
	if opts.Factories == nil {
		return nil, ErrNoFactories
	}
	opts = opts.withDefaults()
	logger := logging.NewComponentLogger(opts.Logger, "arbiter")

	a := &Arbiter{
		opts:     opts,
		loop:     opts.Loop,
		regs:     state.NewRegisters(),
		registry: opts.Registry,
		guard:    opts.Guard,
		logger:   logger,
		observer: opts.Observer,
	}
	if a.loop == nil {
		a.loop = eventloop.New(256, logger)
		a.ownsLoop = true
	}
	if a.registry == nil {
		a.registry = remote.NewRegistry(opts.Logger)
	}
	if a.guard == nil {
		g, err := guard.New(context.Background(), guard.Options{
			Ignore:   guard.DefaultIgnore,
			Observer: opts.Observer,
			Logger:   opts.Logger,
			Persist:  a.loop.Go,
		})
		if err != nil {
			return nil, err
		}
		a.guard = g
	}

	a.engineMonitor = watchdog.New(a.loop, "engine_monitor", opts.EngineTimeout, a.onEngineStuck)
	a.statusMonitor = watchdog.New(a.loop, "status_monitor", opts.StatusTimeout, a.onStatusTimeout)
	a.partialFinalizer = watchdog.New(a.loop, "partial_finalizer", opts.PartialTimeout, a.onPartialTimeout)
	a.statusMonitor.Arm()

	logger.Info("arbiter_ready",
		"synthesis_provider", opts.SynthesisProvider,
		"recognition_provider", opts.RecognitionProvider,
		"raw_mic_provider", opts.RawMicProvider,
		"engine_timeout", opts.EngineTimeout,
		"status_timeout", opts.StatusTimeout,
	)
	return a, nil
}

// Registers exposes read-only state and lets callers observe transitions.
func (a *Arbiter) Registers() *state.Registers { return a.regs }

// Snapshot reads both registers.
func (a *Arbiter) Snapshot() state.Snapshot { return a.regs.Snapshot() }

// Registry is the remote callback registry in use.
func (a *Arbiter) Registry() *remote.Registry { return a.registry }

// Status describes the active sessions.
type Status struct {
	State               state.Snapshot
	SpeechProvider      string
	SpeechPriority      string
	SpeechRequestID     string
	RecognitionProvider string
	RecognitionPriority string
	RecognitionID       string
	Queued              int
	RemoteActive        bool
}

// Status is computed on the loop.
func (a *Arbiter) Status(ctx context.Context) (Status, error) {
	var st Status
	err := a.loop.Do(ctx, func() {
		st.State = a.regs.Snapshot()
		st.RemoteActive = a.registry.IsActive()
		if s := a.speech; s != nil {
			st.SpeechProvider = s.provider
			st.SpeechPriority = s.req.pc.Priority.String()
			st.SpeechRequestID = s.req.id()
			st.Queued = len(s.followOns)
		}
		if s := a.recognition; s != nil {
			st.RecognitionProvider = s.provider
			st.RecognitionPriority = s.req.pc.Priority.String()
			st.RecognitionID = s.req.id()
		}
	})
	return st, err
}

// SubmitSpeak queues a local speak request; the outcome goes to Options.Local.
func (a *Arbiter) SubmitSpeak(pc *params.Context) error {
	return a.submitLocal(pc, modeSpeak)
}

// SubmitListen queues a local listen request.
func (a *Arbiter) SubmitListen(pc *params.Context) error {
	return a.submitLocal(pc, modeListen)
}

// SubmitSpeakThenListen queues a local request that speaks, then listens.
func (a *Arbiter) SubmitSpeakThenListen(pc *params.Context) error {
	return a.submitLocal(pc, modeSpeakListen)
}

// StopSpeech stops synthesis. Unless preventFollowOnListen is set, a pending
// speak-then-listen continues straight into listening.
func (a *Arbiter) StopSpeech(preventFollowOnListen bool) error {
	return a.post(func() { a.stopSpeech(preventFollowOnListen) })
}

// StopListening cancels recognition. A permanent shutdown also drops queued
// listens and stops the hotword detector.
func (a *Arbiter) StopListening(permanentShutdown bool) error {
	return a.post(func() { a.stopListening(permanentShutdown) })
}

// Bind admits a remote caller unless it is blacklisted.
func (a *Arbiter) Bind(ctx context.Context, caller params.CallerIdentity) error {
	if a.guard.Blacklisted(caller) {
		a.logger.Warn("remote_bind_denied", "caller", caller.String())
		metrics.Emit(a.observer, metrics.EventRequestRejected, map[string]string{"reason": "blacklisted"})
		return errorsx.Wrap(ErrDenied, errorsx.ReasonBlacklisted)
	}
	return a.loop.Do(ctx, func() {
		a.statusMonitor.Arm()
		a.logger.Info("remote_bound", "caller", caller.String())
	})
}

// RemoteSpeakListen speaks and then listens on behalf of a bound remote caller.
func (a *Arbiter) RemoteSpeakListen(ctx context.Context, caller params.CallerIdentity, l remote.Listener, raw map[string]any) error {
	return a.post(func() { a.handleRemote(ctx, caller, l, raw, modeSpeakListen) })
}

// RemoteSpeakOnly speaks on behalf of a bound remote caller.
func (a *Arbiter) RemoteSpeakOnly(ctx context.Context, caller params.CallerIdentity, l remote.Listener, raw map[string]any) error {
	return a.post(func() { a.handleRemote(ctx, caller, l, raw, modeSpeak) })
}

// ReleaseRemote drops l if it is still the live remote listener and
// interrupts the sessions it owns. Work queued behind them runs.
func (a *Arbiter) ReleaseRemote(l remote.Listener) error {
	return a.post(func() { a.releaseRemote(l) })
}

// Close releases every provider and stops the loop if the arbiter owns it.
func (a *Arbiter) Close() {
	_ = a.loop.Do(context.Background(), func() {
		if s := a.speech; s != nil {
			a.speech = nil
			s.release(false)
		}
		if s := a.recognition; s != nil {
			a.recognition = nil
			s.release(false)
		}
		a.engineMonitor.Disarm()
		a.statusMonitor.Disarm()
		a.partialFinalizer.Disarm()
		a.regs.Reset("shutdown")
	})
	if a.ownsLoop {
		a.loop.Close(a.opts.DrainTimeout)
	}
	a.logger.Info("arbiter_closed")
}

func (a *Arbiter) post(fn func()) error {
	if !a.loop.Post(fn) {
		return eventloop.ErrClosed
	}
	return nil
}

func (a *Arbiter) submitLocal(pc *params.Context, m mode) error {
	if pc == nil {
		a.registry.Notify(a.opts.Local, remote.Failure("", errorsx.CodeDeveloper))
		return errorsx.New(errorsx.ReasonMalformedRequest, "nil parameter context")
	}
	pc = pc.Clone()
	if pc.RequestID == "" {
		pc.RequestID = uuid.NewString()
	}
	if pc.RecognitionLocale == "" {
		pc.RecognitionLocale = a.opts.Defaults.RecognitionLocale
	}
	if pc.SynthesisLocale == "" {
		pc.SynthesisLocale = a.opts.Defaults.SynthesisLocale
	}
	if pc.Action == params.ActionUnknown {
		switch m {
		case modeSpeak:
			pc.Action = params.ActionSpeakOnly
		case modeSpeakListen:
			pc.Action = params.ActionSpeakListen
		}
	}
	req := &request{pc: pc, mode: m, owner: owner{listener: a.opts.Local}}
	return a.post(func() { a.submit(req) })
}

func (a *Arbiter) defaults() params.Defaults {
	d := a.opts.Defaults
	d.Priority = params.PriorityRemote
	return d
}

func (a *Arbiter) handleRemote(ctx context.Context, caller params.CallerIdentity, l remote.Listener, raw map[string]any, m mode) {
	if l == nil {
		a.logger.Warn("remote_request_dropped", "caller", caller.String(), "reason", "missing listener")
		return
	}
	if !a.guard.GrantAcquire(ctx, caller) {
		metrics.Emit(a.observer, metrics.EventRequestRejected, map[string]string{"resource": m.resource(), "reason": "denied"})
		a.registry.Notify(l, remote.Failure(requestIDOf(raw), errorsx.CodeDenied))
		return
	}
	if a.registry.IsActive() {
		a.logger.Info("remote_request_busy", "caller", caller.String(), "request_id", requestIDOf(raw))
		metrics.Emit(a.observer, metrics.EventRequestRejected, map[string]string{"resource": m.resource(), "reason": "busy"})
		a.registry.Notify(l, remote.Failure(requestIDOf(raw), errorsx.CodeBusy))
		return
	}
	pc, err := params.FromMap(raw, a.defaults())
	if err != nil {
		a.logger.Warn("remote_request_malformed", "caller", caller.String(), "error", errorsx.Wrap(err, errorsx.ReasonMalformedRequest))
		metrics.Emit(a.observer, metrics.EventRequestRejected, map[string]string{"resource": m.resource(), "reason": "malformed"})
		a.registry.Notify(l, remote.Failure(requestIDOf(raw), errorsx.CodeDeveloper))
		return
	}
	pc.Caller = &caller
	pc.Priority = params.PriorityRemote
	if m == modeSpeakListen {
		pc.Action = params.ActionSpeakListen
	} else {
		pc.Action = params.ActionSpeakOnly
	}
	a.submit(&request{pc: pc, mode: m, owner: owner{listener: l}})
}

func (a *Arbiter) releaseRemote(l remote.Listener) {
	tok, ok := a.registry.UnregisterListener(l)
	if !ok {
		return
	}
	a.logger.Info("remote_released", "token", tok)
	if s := a.speech; s != nil && s.req.owner.token == tok {
		a.interruptSpeech(s, false)
	}
	if s := a.recognition; s != nil && s.req.owner.token == tok {
		a.abortRecognition(s, errorsx.CodeInterrupted, "caller_gone", false)
	}
}

func requestIDOf(raw map[string]any) string {
	for k, v := range raw {
		nk := strings.ReplaceAll(strings.ToLower(k), "_", "")
		if nk == "requestid" {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (a *Arbiter) current() activity {
	var cur activity
	if s := a.speech; s != nil {
		cur.speech = true
		cur.priority = s.req.pc.Priority
	}
	if s := a.recognition; s != nil {
		if !cur.speech || s.req.pc.Priority > cur.priority {
			cur.priority = s.req.pc.Priority
		}
		cur.recognition = true
	}
	return cur
}

func (a *Arbiter) submit(req *request) {
	cur := a.current()
	d := decide(req.pc.Priority, req.mode.speechProducing(), req.pc.QueueMode == adapters.QueueAdd, cur)
	tags := map[string]string{"resource": req.mode.resource(), "priority": req.pc.Priority.String(), "request_id": req.id()}
	log := a.logger.With(
		"request_id", req.id(),
		"mode", req.mode.String(),
		"priority", req.pc.Priority.String(),
		"decision", d.String(),
	)

	switch d {
	case decideReject:
		log.Info("request_rejected", "active_priority", cur.priority.String())
		metrics.Emit(a.observer, metrics.EventRequestRejected, tags)
		a.report(req.owner, remote.Failure(req.id(), errorsx.CodeBusy))
		return
	case decideQueue:
		log.Info("request_queued")
		metrics.Emit(a.observer, metrics.EventRequestQueued, tags)
		a.speech.followOns = append(a.speech.followOns, req)
		return
	case decidePreempt:
		log.Info("request_preempting", "active_priority", cur.priority.String())
		metrics.Emit(a.observer, metrics.EventRequestPreempted, tags)
		a.preemptAll()
	default:
		log.Debug("request_proceed")
	}
	metrics.Emit(a.observer, metrics.EventRequestProceed, tags)
	a.proceed(req)
}

func (a *Arbiter) proceed(req *request) {
	if req.pc.Remote() && req.owner.token == 0 {
		req.owner.token = a.registry.RegisterOrReplace(req.owner.listener, *req.pc.Caller, req.pc.Action, req.pc.Credentials)
	}
	if req.mode == modeListen {
		a.dispatchRecognition(req)
		return
	}
	a.dispatchSpeech(req)
}

func (a *Arbiter) preemptAll() {
	if s := a.speech; s != nil {
		a.abortSpeech(s, errorsx.CodeBusy, "preempted")
	}
	if s := a.recognition; s != nil {
		a.abortRecognition(s, errorsx.CodeBusy, "preempted", false)
	}
}

func (a *Arbiter) report(o owner, ev remote.Event) {
	if o.token != 0 {
		a.registry.Dispatch(o.token, ev)
		return
	}
	a.registry.Notify(o.listener, ev)
}

func (a *Arbiter) owns(s *session) bool {
	return s != nil && (a.speech == s || a.recognition == s)
}

func (a *Arbiter) credentialsFor(kind adapters.Kind, provider string) map[string]string {
	if a.registry.IsActive() {
		if creds := a.registry.Credentials(); len(creds) > 0 {
			return creds
		}
	}
	return a.opts.Credentials(kind, provider)
}

// attach hands a freshly built adapter to its session. It returns false, and
// cancels the adapter, when the session moved on in the meantime.
func (a *Arbiter) attach(s *session, gen int, adapter adapters.Adapter) bool {
	ok := false
	err := a.loop.Do(context.Background(), func() {
		if !a.owns(s) || s.gen != gen {
			return
		}
		s.adapter = adapter
		ok = true
	})
	if err != nil || !ok {
		adapter.Cancel()
		return false
	}
	return true
}

func (a *Arbiter) listenerFor(s *session) adapters.Listener {
	return adapters.ListenerFunc(func(ev adapters.Event) {
		a.loop.Post(func() { a.onEvent(s, ev) })
	})
}

func (a *Arbiter) onEvent(s *session, ev adapters.Event) {
	if !a.owns(s) || ev.Utterance() != s.utteranceID {
		a.logger.Debug("stale_event_dropped",
			"resource", s.kind.String(),
			"event", eventName(ev),
			"utterance_id", ev.Utterance(),
		)
		return
	}
	if s.kind == adapters.KindSpeech {
		a.onSpeechEvent(s, ev)
		return
	}
	a.onRecognitionEvent(s, ev)
}

func eventName(ev adapters.Event) string {
	switch ev.(type) {
	case adapters.Started:
		return "started"
	case adapters.Partial:
		return "partial"
	case adapters.EndOfSpeech:
		return "end_of_speech"
	case adapters.Result:
		return "result"
	case adapters.Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (a *Arbiter) setSpeech(to state.Speech, reason string) {
	if err := a.regs.SetSpeech(to, reason); err != nil {
		a.logger.Warn("invalid_state_transition", "error", err)
	}
}

func (a *Arbiter) setRecognition(to state.Recognition, reason string) {
	if err := a.regs.SetRecognition(to, reason); err != nil {
		a.logger.Warn("invalid_state_transition", "error", err)
	}
}

func loggable(pc *params.Context) string {
	return redact.Utterance(pc.Utterance, pc.Secure)
}

func (a *Arbiter) noticeFatal(s *session, message string, cause error) {
	if s.noticeSent {
		return
	}
	s.noticeSent = true
	n := notify.Notice{
		Severity:  notify.SeverityFatal,
		Resource:  s.kind.String(),
		Provider:  s.provider,
		Message:   message,
		RequestID: s.req.id(),
	}
	a.logger.Error("user_notice", "resource", n.Resource, "provider", n.Provider, "message", message, "error", cause)
	notifier := a.opts.Notifier
	if notifier == nil {
		return
	}
	logger := a.logger
	a.loop.Go(func(ctx context.Context) {
		if err := notifier.Notify(ctx, n); err != nil {
			logger.Error("user_notice_failed", "error", errorsx.Wrap(err, errorsx.ReasonNotifySend))
		}
	})
}

func (a *Arbiter) onStatusTimeout() {
	cur := a.current()
	metrics.Emit(a.observer, metrics.EventStatusMonitorFired, nil)
	if cur.idle() {
		a.logger.Debug("status_monitor_fired", "state", a.regs.Snapshot())
	} else {
		a.logger.Warn("status_monitor_fired", "state", a.regs.Snapshot(), "speech_active", cur.speech, "recognition_active", cur.recognition)
	}
	if s := a.speech; s != nil {
		a.speech = nil
		s.release(false)
		a.report(s.req.owner, remote.Failure(s.req.id(), errorsx.CodeSaiy))
		for _, f := range s.followOns {
			a.report(f.owner, remote.Failure(f.id(), errorsx.CodeSaiy))
		}
	}
	if s := a.recognition; s != nil {
		a.recognition = nil
		s.release(false)
		a.report(s.req.owner, remote.Failure(s.req.id(), errorsx.CodeSaiy))
	}
	a.engineMonitor.Disarm()
	a.partialFinalizer.Disarm()
	a.regs.Reset("status_monitor")
}

func (a *Arbiter) applyHotword(action params.Action) {
	if !action.Hotword() || a.opts.Hotword == nil {
		return
	}
	hw := a.opts.Hotword
	logger := a.logger
	a.loop.Go(func(context.Context) {
		var err error
		switch action {
		case params.ActionStartHotword:
			err = hw.Start()
		case params.ActionStopHotword:
			err = hw.Stop()
		case params.ActionToggleHotword:
			if hw.Running() {
				err = hw.Stop()
			} else {
				err = hw.Start()
			}
		}
		if err != nil {
			logger.Warn("hotword_failed", "action", action.String(), "error", err)
			return
		}
		logger.Info("hotword_applied", "action", action.String())
	})
}

func (a *Arbiter) stopHotword() {
	if a.opts.Hotword == nil {
		return
	}
	hw := a.opts.Hotword
	logger := a.logger
	a.loop.Go(func(context.Context) {
		if !hw.Running() {
			return
		}
		if err := hw.Stop(); err != nil {
			logger.Warn("hotword_failed", "action", "stop", "error", err)
		}
	})
}
