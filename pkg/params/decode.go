package params

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harunnryd/voxarb/pkg/configutil"
)

// ErrMalformed is returned for inbound maps that cannot be interpreted.
var ErrMalformed = errors.New("malformed request")

type inbound struct {
	Action            string            `mapstructure:"action"`
	Priority          string            `mapstructure:"priority"`
	Condition         string            `mapstructure:"condition"`
	Utterance         string            `mapstructure:"utterance"`
	RecognitionLocale string            `mapstructure:"recognition_locale"`
	SynthesisLocale   string            `mapstructure:"synthesis_locale"`
	QueueMode         string            `mapstructure:"queue_mode"`
	ProfileID         string            `mapstructure:"profile_id"`
	Secure            bool              `mapstructure:"secure"`
	RequestID         string            `mapstructure:"request_id"`
	Credentials       map[string]string `mapstructure:"credentials"`
}

// FromMap builds a Context from an inbound key/value map. Unrecognized keys
// are ignored and missing keys take their value from defaults.
func FromMap(in map[string]any, defaults Defaults) (*Context, error) {
	var raw inbound
	if err := configutil.DecodeSettings(in, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ctx := &Context{
		Action:            defaults.Action,
		Priority:          defaults.Priority,
		Utterance:         raw.Utterance,
		RecognitionLocale: defaults.RecognitionLocale,
		SynthesisLocale:   defaults.SynthesisLocale,
		QueueMode:         defaults.QueueMode,
		ProfileID:         strings.TrimSpace(raw.ProfileID),
		Secure:            raw.Secure,
		RequestID:         strings.TrimSpace(raw.RequestID),
		Credentials:       raw.Credentials,
	}

	if strings.TrimSpace(raw.Action) != "" {
		action, ok := ParseAction(raw.Action)
		if !ok {
			return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, raw.Action)
		}
		ctx.Action = action
	}
	if strings.TrimSpace(raw.Priority) != "" {
		priority, ok := ParsePriority(raw.Priority)
		if !ok {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrMalformed, raw.Priority)
		}
		ctx.Priority = priority
	}
	condition, ok := ParseCondition(raw.Condition)
	if !ok {
		return nil, fmt.Errorf("%w: unknown condition %q", ErrMalformed, raw.Condition)
	}
	ctx.Condition = condition
	if condition == ConditionSecure {
		ctx.Secure = true
	}
	if strings.TrimSpace(raw.QueueMode) != "" {
		mode, ok := ParseQueueMode(raw.QueueMode)
		if !ok {
			return nil, fmt.Errorf("%w: unknown queue mode %q", ErrMalformed, raw.QueueMode)
		}
		ctx.QueueMode = mode
	}
	if v := strings.TrimSpace(raw.RecognitionLocale); v != "" {
		ctx.RecognitionLocale = v
	}
	if v := strings.TrimSpace(raw.SynthesisLocale); v != "" {
		ctx.SynthesisLocale = v
	}
	if ctx.RequestID == "" {
		ctx.RequestID = uuid.NewString()
	}
	if (condition == ConditionIdentityEnroll || condition == ConditionIdentityVerify) && ctx.ProfileID == "" {
		return nil, fmt.Errorf("%w: condition %s requires profileId", ErrMalformed, condition)
	}
	return ctx, nil
}
