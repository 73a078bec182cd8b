package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards one in every N occurrences of the named events
// and every other event unchanged. It keeps chatty events such as partial
// results from flooding the debug log.
type SamplingObserver struct {
	inner Observer
	every uint64
	names map[string]struct{}
	seen  atomic.Uint64
}

// NewSamplingObserver keeps roughly rate (0..1) of the named events. Rate 0
// drops them all; rate 1 or no names returns inner unchanged.
func NewSamplingObserver(inner Observer, rate float64, names ...string) Observer {
	rate = math.Max(0, math.Min(1, rate))
	if rate == 1 || len(names) == 0 {
		return inner
	}
	s := &SamplingObserver{inner: inner, names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	if rate > 0 {
		s.every = uint64(math.Max(1, math.Round(1/rate)))
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, sampled := s.names[ev.Name]; !sampled {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.seen.Add(1)%s.every == 1%s.every {
		s.inner.RecordEvent(ev)
	}
}
