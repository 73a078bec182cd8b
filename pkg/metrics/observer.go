package metrics

import "time"

// Arbitration event names.
const (
	EventRequestProceed        = "request_proceed"
	EventRequestRejected       = "request_rejected"
	EventRequestPreempted      = "request_preempted"
	EventRequestQueued         = "request_queued"
	EventSpeechDispatched      = "speech_dispatched"
	EventRecognitionDispatched = "recognition_dispatched"
	EventInitRetry             = "init_retry"
	EventInitFatal             = "init_fatal"
	EventEngineMonitorFired    = "engine_monitor_fired"
	EventStatusMonitorFired    = "status_monitor_fired"
	EventPartialResult         = "partial_result"
	EventPartialFinalized      = "partial_finalized"
	EventWarmupFallback        = "warmup_fallback"
	EventThrottleDenied        = "throttle_denied"
	EventBlacklisted           = "blacklisted"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Resource returns the "resource" tag, if any.
func (ev MetricsEvent) Resource() string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags["resource"]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Emit records a counter-style event with value 1. A nil observer is ignored.
func Emit(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags})
}
