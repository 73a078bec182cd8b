package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver counts events by name and resource.
type PrometheusObserver struct {
	events *prometheus.CounterVec
}

// NewPrometheusObserver registers its collectors with reg. A nil reg uses
// the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxarb",
		Name:      "events_total",
		Help:      "Arbitration events by name and resource.",
	}, []string{"name", "resource"})
	if err := reg.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			events = existing
		} else {
			return nil, err
		}
	}
	return &PrometheusObserver{events: events}, nil
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	value := ev.Value
	if value <= 0 {
		value = 1
	}
	p.events.WithLabelValues(ev.Name, ev.Resource()).Add(value)
}
