package arbiter

import (
	"context"

	"github.com/google/uuid"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/state"
)

func (a *Arbiter) dispatchSpeech(req *request) {
	if req.pc.Silent() {
		a.logger.Debug("speech_silent", "request_id", req.id(), "mode", req.mode.String())
		a.statusMonitor.Arm()
		a.afterSpeech(&session{kind: adapters.KindSpeech, req: req}, req.mode != modeSpeakListen)
		return
	}
	if prev := a.speech; prev != nil {
		a.abortSpeech(prev, errorsx.CodeBusy, "superseded")
	}

	s := &session{
		kind:     adapters.KindSpeech,
		req:      req,
		provider: SelectProvider(adapters.KindSpeech, a.opts.SynthesisProvider, a.opts.RawMicProvider, req.pc.Condition),
		pending:  &PendingRetry{Utterance: req.pc.Utterance, QueueMode: req.pc.QueueMode},
	}
	a.speech = s
	a.setSpeech(state.SpeechSpeaking, "dispatch")
	a.engineMonitor.Arm()

	metrics.Emit(a.observer, metrics.EventSpeechDispatched, map[string]string{"resource": "speech", "provider": s.provider, "request_id": req.id()})
	a.logger.Info("speech_dispatched",
		"request_id", req.id(),
		"provider", s.provider,
		"priority", req.pc.Priority.String(),
		"locale", req.pc.SynthesisLocale,
		"utterance", loggable(req.pc),
	)
	a.launchSpeech(s)
}

// launchSpeech runs one init attempt on a background task.
func (a *Arbiter) launchSpeech(s *session) {
	s.attempts++
	s.gen++
	gen := s.gen
	s.utteranceID = uuid.NewString()
	ctx, cancel := context.WithCancel(a.loop.Context())
	s.cancel = cancel

	req := adapters.Request{
		Kind:        adapters.KindSpeech,
		Provider:    s.provider,
		UtteranceID: s.utteranceID,
		Text:        s.pending.Utterance,
		Locale:      s.req.pc.SynthesisLocale,
		QueueMode:   s.pending.QueueMode,
		Condition:   string(s.req.pc.Condition),
		ProfileID:   s.req.pc.ProfileID,
		Credentials: a.credentialsFor(adapters.KindSpeech, s.provider),
	}
	factory, ok := a.opts.Factories.Lookup(adapters.KindSpeech, s.provider)
	listener := a.listenerFor(s)

	a.loop.Go(func(context.Context) {
		fail := func(err error) {
			a.loop.Post(func() { a.speechInitFailed(s, gen, err) })
		}
		if !ok {
			fail(errorsx.Errorf(errorsx.ReasonProviderMissing, "no synthesis provider %q", req.Provider))
			return
		}
		adapter, err := factory(req)
		if err != nil {
			fail(errorsx.WrapOp(err, errorsx.ReasonProviderInit, "factory"))
			return
		}
		if !a.attach(s, gen, adapter) {
			return
		}
		if err := adapter.Start(ctx, listener); err != nil {
			fail(errorsx.WrapOp(err, errorsx.ReasonProviderStart, "start"))
		}
	})
}

func (a *Arbiter) speechInitFailed(s *session, gen int, err error) {
	if a.speech != s || s.gen != gen {
		return
	}
	s.release(false)
	if s.attempts < a.opts.MaxInitAttempts {
		a.logger.Warn("speech_init_retry",
			"request_id", s.req.id(),
			"provider", s.provider,
			"attempt", s.attempts,
			"max_attempts", a.opts.MaxInitAttempts,
			"error", err,
		)
		metrics.Emit(a.observer, metrics.EventInitRetry, map[string]string{"resource": "speech", "provider": s.provider})
		if a.opts.InitBackoff <= 0 {
			a.launchSpeech(s)
			return
		}
		a.loop.AfterFunc(a.opts.InitBackoff, func() {
			if a.speech == s && s.gen == gen {
				a.launchSpeech(s)
			}
		})
		return
	}

	a.logger.Error("speech_init_fatal",
		"request_id", s.req.id(),
		"provider", s.provider,
		"attempts", s.attempts,
		"error", err,
	)
	metrics.Emit(a.observer, metrics.EventInitFatal, map[string]string{"resource": "speech", "provider": s.provider})
	a.noticeFatal(s, "speech engine failed to initialize", err)
	a.finishSpeech(s, errorsx.CodeSaiy)
}

func (a *Arbiter) onSpeechEvent(s *session, ev adapters.Event) {
	switch e := ev.(type) {
	case adapters.Started:
		if s.started {
			return
		}
		s.started = true
		s.pending = nil
		a.engineMonitor.Disarm()
		a.logger.Debug("speech_started", "request_id", s.req.id(), "provider", s.provider, "attempt", s.attempts)
	case adapters.Result:
		a.finishSpeech(s, "")
	case adapters.Failed:
		if !s.started && e.Code == adapters.ErrInit {
			a.speechInitFailed(s, s.gen, adapters.NewError(s.provider, e.Code, e.Err))
			return
		}
		a.logger.Warn("speech_failed", "request_id", s.req.id(), "provider", s.provider, "code", e.Code.String(), "error", e.Err)
		a.finishSpeech(s, errorsx.FromProvider(e.Code))
	}
}

// finishSpeech ends the session with success (empty code) or a caller error.
func (a *Arbiter) finishSpeech(s *session, code errorsx.Code) {
	a.speech = nil
	a.engineMonitor.Disarm()
	s.release(code == "")
	a.setSpeech(state.SpeechIdle, "completed")
	a.statusMonitor.Arm()

	if code != "" {
		a.report(s.req.owner, remote.Failure(s.req.id(), code))
		a.resubmit(s.followOns)
		return
	}
	a.logger.Info("speech_completed", "request_id", s.req.id(), "provider", s.provider)
	a.afterSpeech(s, true)
}

// afterSpeech runs the continuation of a successfully finished (or skipped)
// speech session: hotword actions, the listen half of speak-then-listen and
// anything queued behind it.
func (a *Arbiter) afterSpeech(s *session, announce bool) {
	req := s.req
	a.applyHotword(req.pc.Action)
	if announce {
		a.report(req.owner, remote.Completed(req.id()))
	}
	if req.mode == modeSpeakListen {
		if !s.noListen {
			a.dispatchRecognition(req)
			for _, f := range s.followOns {
				a.report(f.owner, remote.Failure(f.id(), errorsx.CodeBusy))
			}
			return
		}
		a.report(req.owner, remote.Failure(req.id(), errorsx.CodeInterrupted))
	}
	a.resubmit(s.followOns)
}

func (a *Arbiter) resubmit(reqs []*request) {
	for _, f := range reqs {
		a.submit(f)
	}
}

// abortSpeech stops the active speech session on behalf of someone else.
func (a *Arbiter) abortSpeech(s *session, code errorsx.Code, reason string) {
	a.speech = nil
	a.engineMonitor.Disarm()
	s.release(true)
	a.setSpeech(state.SpeechIdle, reason)
	a.statusMonitor.Arm()
	a.logger.Info("speech_interrupted", "request_id", s.req.id(), "provider", s.provider, "reason", reason)
	a.report(s.req.owner, remote.Failure(s.req.id(), code))
	for _, f := range s.followOns {
		a.report(f.owner, remote.Failure(f.id(), code))
	}
}

func (a *Arbiter) stopSpeech(prevent bool) {
	s := a.speech
	if s == nil {
		return
	}
	if prevent || s.req.mode != modeSpeakListen {
		a.interruptSpeech(s, prevent)
		return
	}
	a.speech = nil
	a.engineMonitor.Disarm()
	s.release(true)
	a.setSpeech(state.SpeechIdle, "stopped")
	a.statusMonitor.Arm()
	a.logger.Info("speech_stopped", "request_id", s.req.id(), "continue_listen", true)
	a.afterSpeech(s, false)
}

// interruptSpeech interrupts the session owner. Queued requests are
// interrupted too when prevent is set, otherwise they run now.
func (a *Arbiter) interruptSpeech(s *session, prevent bool) {
	followOns := s.followOns
	if !prevent {
		s.followOns = nil
	}
	a.abortSpeech(s, errorsx.CodeInterrupted, "stopped")
	if !prevent {
		a.resubmit(followOns)
	}
}

func (a *Arbiter) onEngineStuck() {
	s := a.speech
	if s == nil || s.started {
		return
	}
	a.logger.Error("engine_monitor_fired",
		"request_id", s.req.id(),
		"provider", s.provider,
		"attempts", s.attempts,
		"timeout", a.opts.EngineTimeout,
	)
	metrics.Emit(a.observer, metrics.EventEngineMonitorFired, map[string]string{"resource": "speech", "provider": s.provider})
	a.noticeFatal(s, "speech engine did not respond", errorsx.New(errorsx.ReasonEngineStuck, "no start callback"))
	a.finishSpeech(s, errorsx.CodeSaiy)
}
