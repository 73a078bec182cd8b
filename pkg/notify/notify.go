// Package notify delivers user-visible notices about conditions the
// arbitrator cannot recover from on its own.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Notice is one message for the user.
type Notice struct {
	Severity  Severity
	Resource  string
	Provider  string
	Message   string
	RequestID string
	Time      time.Time
}

// Text renders the notice as a single line.
func (n Notice) Text() string {
	out := n.Message
	if n.Provider != "" {
		out = n.Provider + ": " + out
	}
	if n.Resource != "" {
		out = "[" + n.Resource + "] " + out
	}
	return out
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice) error

func (f NotifierFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// LogNotifier writes notices to the log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	level := slog.LevelWarn
	if n.Severity == SeverityFatal {
		level = slog.LevelError
	}
	l.log.Log(context.Background(), level, "user_notice",
		"severity", string(n.Severity),
		"resource", n.Resource,
		"provider", n.Provider,
		"request_id", n.RequestID,
		"message", n.Message,
	)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
