package arbiter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/remote"
	"github.com/harunnryd/voxarb/pkg/state"
)

func (a *Arbiter) dispatchRecognition(req *request) {
	if prev := a.recognition; prev != nil {
		a.abortRecognition(prev, errorsx.CodeBusy, "superseded", false)
	}
	s := &session{
		kind:     adapters.KindRecognition,
		req:      req,
		provider: SelectProvider(adapters.KindRecognition, a.opts.RecognitionProvider, a.opts.RawMicProvider, req.pc.Condition),
	}
	a.recognition = s
	a.setRecognition(state.RecognitionListening, "dispatch")

	metrics.Emit(a.observer, metrics.EventRecognitionDispatched, map[string]string{"resource": "recognition", "provider": s.provider, "request_id": req.id()})
	a.logger.Info("recognition_dispatched",
		"request_id", req.id(),
		"provider", s.provider,
		"priority", req.pc.Priority.String(),
		"condition", string(req.pc.Condition),
		"locale", req.pc.RecognitionLocale,
	)
	a.launchRecognition(s)
}

func (a *Arbiter) launchRecognition(s *session) {
	s.attempts++
	s.gen++
	gen := s.gen
	s.utteranceID = uuid.NewString()
	ctx, cancel := context.WithCancel(a.loop.Context())
	s.cancel = cancel

	req := adapters.Request{
		Kind:        adapters.KindRecognition,
		Provider:    s.provider,
		UtteranceID: s.utteranceID,
		Locale:      s.req.pc.RecognitionLocale,
		Condition:   string(s.req.pc.Condition),
		ProfileID:   s.req.pc.ProfileID,
		Credentials: a.credentialsFor(adapters.KindRecognition, s.provider),
	}
	factory, ok := a.opts.Factories.Lookup(adapters.KindRecognition, s.provider)
	listener := a.listenerFor(s)
	interval, retries := a.opts.WarmupInterval, a.opts.WarmupRetries

	a.loop.Go(func(context.Context) {
		fail := func(err error) {
			a.loop.Post(func() { a.recognitionFailed(s, gen, err) })
		}
		if !ok {
			fail(errorsx.Errorf(errorsx.ReasonProviderMissing, "no recognition provider %q", req.Provider))
			return
		}
		adapter, err := factory(req)
		if err != nil {
			fail(errorsx.WrapOp(err, errorsx.ReasonProviderInit, "factory"))
			return
		}
		if w, needsWarmup := adapter.(adapters.Warmer); needsWarmup && !waitReady(ctx, w, interval, retries) {
			adapter.Cancel()
			if ctx.Err() != nil {
				return
			}
			a.loop.Post(func() {
				if a.recognition != s {
					return
				}
				a.logger.Warn("warmup_fallback", "request_id", s.req.id(), "provider", s.provider, "retries", retries, "interval", interval)
				metrics.Emit(a.observer, metrics.EventWarmupFallback, map[string]string{"resource": "recognition", "provider": s.provider})
			})
			adapter, err = factory(req)
			if err != nil {
				fail(errorsx.WrapOp(err, errorsx.ReasonProviderInit, "factory"))
				return
			}
		}
		if !a.attach(s, gen, adapter) {
			return
		}
		if err := adapter.Start(ctx, listener); err != nil {
			fail(errorsx.WrapOp(err, errorsx.ReasonProviderStart, "start"))
		}
	})
}

// waitReady polls w every interval, at most retries times.
func waitReady(ctx context.Context, w adapters.Warmer, interval time.Duration, retries int) bool {
	for i := 0; i < retries; i++ {
		if w.Ready() {
			return true
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return w.Ready()
}

func (a *Arbiter) recognitionFailed(s *session, gen int, err error) {
	if a.recognition != s || s.gen != gen {
		return
	}
	a.logger.Warn("recognition_start_failed", "request_id", s.req.id(), "provider", s.provider, "error", err)
	a.finishRecognition(s, adapters.Payload{}, errorsx.FromError(err))
}

func (a *Arbiter) onRecognitionEvent(s *session, ev adapters.Event) {
	switch e := ev.(type) {
	case adapters.Started:
		s.started = true
		a.logger.Debug("recognition_ready", "request_id", s.req.id(), "provider", s.provider)
	case adapters.Partial:
		s.lastPartial = e.Payload
		metrics.Emit(a.observer, metrics.EventPartialResult, map[string]string{"resource": "recognition", "provider": s.provider, "request_id": s.req.id()})
		a.report(s.req.owner, remote.Partial(s.req.id(), e.Payload))
		if a.opts.PartialTimeout > 0 {
			a.partialFinalizer.Arm()
		}
	case adapters.EndOfSpeech:
		a.setRecognition(state.RecognitionProcessing, "end_of_speech")
	case adapters.Result:
		a.finishRecognition(s, e.Payload, "")
	case adapters.Failed:
		a.logger.Info("recognition_failed", "request_id", s.req.id(), "provider", s.provider, "code", e.Code.String(), "error", e.Err)
		a.finishRecognition(s, adapters.Payload{}, errorsx.FromProvider(e.Code))
	}
}

// finishRecognition ends the session with results (empty code) or a caller
// error. Empty results are reported as no match.
func (a *Arbiter) finishRecognition(s *session, payload adapters.Payload, code errorsx.Code) {
	a.recognition = nil
	a.partialFinalizer.Disarm()
	s.release(code == "")
	a.setRecognition(state.RecognitionIdle, "completed")
	a.statusMonitor.Arm()

	if code == "" && payload.Empty() {
		code = errorsx.CodeNoMatch
	}
	if code != "" {
		a.report(s.req.owner, remote.Failure(s.req.id(), code))
		return
	}
	a.logger.Info("recognition_results", "request_id", s.req.id(), "provider", s.provider, "results", len(payload.Texts), "secure", s.req.pc.Secure)
	a.report(s.req.owner, remote.Results(s.req.id(), payload))
}

func (a *Arbiter) abortRecognition(s *session, code errorsx.Code, reason string, graceful bool) {
	a.recognition = nil
	a.partialFinalizer.Disarm()
	s.release(graceful)
	a.setRecognition(state.RecognitionIdle, reason)
	a.statusMonitor.Arm()
	a.logger.Info("recognition_interrupted", "request_id", s.req.id(), "provider", s.provider, "reason", reason)
	a.report(s.req.owner, remote.Failure(s.req.id(), code))
}

func (a *Arbiter) stopListening(permanent bool) {
	if s := a.recognition; s != nil {
		a.abortRecognition(s, errorsx.CodeInterrupted, "stopped", true)
	}
	if !permanent {
		return
	}
	if sp := a.speech; sp != nil {
		sp.noListen = true
		kept := sp.followOns[:0]
		for _, f := range sp.followOns {
			if f.mode == modeListen {
				a.report(f.owner, remote.Failure(f.id(), errorsx.CodeInterrupted))
				continue
			}
			kept = append(kept, f)
		}
		sp.followOns = kept
	}
	a.stopHotword()
	a.logger.Info("listening_shutdown")
}

func (a *Arbiter) onPartialTimeout() {
	s := a.recognition
	if s == nil || s.lastPartial.Empty() {
		return
	}
	a.logger.Info("partial_finalized", "request_id", s.req.id(), "provider", s.provider, "timeout", a.opts.PartialTimeout)
	metrics.Emit(a.observer, metrics.EventPartialFinalized, map[string]string{"resource": "recognition", "provider": s.provider})
	s.release(false)
	a.finishRecognition(s, s.lastPartial, "")
}
