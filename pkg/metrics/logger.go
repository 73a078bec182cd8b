package metrics

import (
	"context"
	"log/slog"
	"sort"
)

// LoggerObserver writes each arbitration event as one structured log line.
// The resource and request id tags are lifted to top-level attributes so the
// line can be grepped next to the arbiter's own logs.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, level: slog.LevelDebug}
}

func (o *LoggerObserver) WithLevel(level slog.Level) *LoggerObserver {
	o.level = level
	return o
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	ctx := context.Background()
	if !o.log.Enabled(ctx, o.level) {
		return
	}
	attrs := []slog.Attr{slog.String("event", ev.Name)}
	if ev.Value != 0 && ev.Value != 1 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	var extra []any
	for _, k := range sortedKeys(ev.Tags) {
		switch k {
		case "resource", "request_id":
			attrs = append(attrs, slog.String(k, ev.Tags[k]))
		default:
			extra = append(extra, slog.String(k, ev.Tags[k]))
		}
	}
	if len(extra) > 0 {
		attrs = append(attrs, slog.Group("tags", extra...))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for _, k := range sortedKeys(ev.Fields) {
			fields = append(fields, slog.Any(k, ev.Fields[k]))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.log.LogAttrs(ctx, o.level, "arbitration_event", attrs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fanout delivers every event to each observer in order.
type Fanout []Observer

func (f Fanout) RecordEvent(ev MetricsEvent) {
	for _, obs := range f {
		obs.RecordEvent(ev)
	}
}

// Combine drops nil observers and flattens nested fanouts. It returns nil
// when nothing is left and the observer itself when only one is.
func Combine(list ...Observer) Observer {
	var out Fanout
	for _, obs := range list {
		switch o := obs.(type) {
		case nil:
		case Fanout:
			if c := Combine(o...); c != nil {
				if f, ok := c.(Fanout); ok {
					out = append(out, f...)
				} else {
					out = append(out, c)
				}
			}
		default:
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
