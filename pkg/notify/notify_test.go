package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	calls int
	last  *api.CreateMessageParams
	sid   string
	err   error
}

func (s *stubCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	s.calls++
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Message{Sid: &s.sid}, nil
}

func newTestTwilio(t *testing.T, cfg TwilioConfig, stub *stubCreator) *TwilioNotifier {
	t.Helper()
	cfg.AccountSID = "AC1"
	cfg.AuthToken = "token"
	cfg.From = "+200"
	cfg.To = "+100"
	n, err := NewTwilioNotifier(cfg)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n.client = stub
	return n
}

func TestTwilioNotifierSendsFatal(t *testing.T) {
	stub := &stubCreator{sid: "SM1"}
	n := newTestTwilio(t, TwilioConfig{}, stub)

	err := n.Notify(context.Background(), Notice{Severity: SeverityFatal, Resource: "speech", Provider: "elevenlabs", Message: "engine failed"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected From param")
	}
	if stub.last.Body == nil || !strings.Contains(*stub.last.Body, "engine failed") {
		t.Fatalf("expected body to carry message")
	}
}

func TestTwilioNotifierSkipsWarningsByDefault(t *testing.T) {
	stub := &stubCreator{sid: "SM1"}
	n := newTestTwilio(t, TwilioConfig{}, stub)
	if err := n.Notify(context.Background(), Notice{Severity: SeverityWarning, Message: "slow"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("expected warning to be filtered")
	}

	n = newTestTwilio(t, TwilioConfig{MinSeverity: "warning"}, stub)
	if err := n.Notify(context.Background(), Notice{Severity: SeverityWarning, Message: "slow"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected warning to be sent")
	}
}

func TestTwilioNotifierRequiresCredentials(t *testing.T) {
	if _, err := NewTwilioNotifier(TwilioConfig{From: "+1", To: "+2"}); err == nil {
		t.Fatalf("expected credentials error")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var got []string
	ok := NotifierFunc(func(_ context.Context, n Notice) error {
		got = append(got, n.Message)
		return nil
	})
	bad := NotifierFunc(func(context.Context, Notice) error { return errors.New("down") })

	err := Multi{ok, nil, bad, NewLogNotifier(nil)}.Notify(context.Background(), Notice{Severity: SeverityFatal, Message: "m"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected delivery to healthy notifier")
	}
}
