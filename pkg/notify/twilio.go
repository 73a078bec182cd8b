package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voxarb/pkg/configutil"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// TwilioConfig is decoded from notify.settings.
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	To         string `mapstructure:"to"`
	// MinSeverity filters out anything less severe. Defaults to fatal.
	MinSeverity string `mapstructure:"min_severity"`
}

// TwilioSchema validates notify.settings for the twilio provider.
var TwilioSchema = configutil.Schema{
	Required: []string{"account_sid", "auth_token", "from", "to"},
	Optional: []string{"min_severity"},
}

// TwilioNotifier sends notices as SMS.
type TwilioNotifier struct {
	cfg    TwilioConfig
	client messageCreator
}

func NewTwilioNotifier(cfg TwilioConfig) (*TwilioNotifier, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, errors.New("to/from required")
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = string(SeverityFatal)
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{cfg: cfg, client: rest.Api}, nil
}

func (t *TwilioNotifier) Notify(ctx context.Context, n Notice) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !strings.EqualFold(t.cfg.MinSeverity, string(SeverityWarning)) && n.Severity != SeverityFatal {
		return nil
	}
	params := &api.CreateMessageParams{}
	params.SetTo(t.cfg.To)
	params.SetFrom(t.cfg.From)
	params.SetBody(n.Text())
	resp, err := t.client.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return errors.New("missing message sid")
	}
	return nil
}
