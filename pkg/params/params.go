// Package params carries the per-request instruction bag threaded through a
// request's lifetime.
package params

import (
	"strconv"
	"strings"

	"github.com/harunnryd/voxarb/pkg/adapters"
)

// Silence is the utterance sentinel meaning "nothing to say".
const Silence = "silence"

// Action says what the request wants done.
type Action int

const (
	ActionUnknown Action = iota
	ActionSpeakOnly
	ActionSpeakListen
	ActionStartHotword
	ActionStopHotword
	ActionToggleHotword
)

func (a Action) String() string {
	switch a {
	case ActionSpeakOnly:
		return "speak_only"
	case ActionSpeakListen:
		return "speak_listen"
	case ActionStartHotword:
		return "start_hotword"
	case ActionStopHotword:
		return "stop_hotword"
	case ActionToggleHotword:
		return "toggle_hotword"
	default:
		return "unknown"
	}
}

// Hotword reports whether the action changes the hotword detector.
func (a Action) Hotword() bool {
	return a == ActionStartHotword || a == ActionStopHotword || a == ActionToggleHotword
}

// Priority orders competing requests: Low < Normal < Remote < Max.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityRemote
	PriorityMax
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityRemote:
		return "remote"
	case PriorityMax:
		return "max"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// Condition tags a special-purpose flow.
type Condition string

const (
	ConditionDefault        Condition = ""
	ConditionEmotion        Condition = "emotion"
	ConditionIdentityEnroll Condition = "identity_enroll"
	ConditionIdentityVerify Condition = "identity_verify"
	ConditionTranslate      Condition = "translate"
	ConditionSecure         Condition = "secure"
)

// RawAudio reports whether the condition needs the raw microphone instead of
// a transcribing recognizer.
func (c Condition) RawAudio() bool {
	return c == ConditionEmotion || c == ConditionIdentityEnroll || c == ConditionIdentityVerify
}

// CallerIdentity is present only for remote callers.
type CallerIdentity struct {
	Package string
	UID     int
}

// Key is the identity used for blacklisting.
func (c CallerIdentity) Key() string {
	return strings.ToLower(strings.TrimSpace(c.Package))
}

func (c CallerIdentity) String() string {
	return c.Package + ":" + strconv.Itoa(c.UID)
}

// Context is one request. It is created per request by the submitter and owned
// by the arbitrator from submission until terminal completion.
type Context struct {
	Action            Action
	Priority          Priority
	Condition         Condition
	Caller            *CallerIdentity
	Utterance         string
	RecognitionLocale string
	SynthesisLocale   string
	RequestID         string
	QueueMode         adapters.QueueMode
	ProfileID         string
	Secure            bool
	Credentials       map[string]string
}

// Remote reports whether the request came from a remote caller.
func (c *Context) Remote() bool {
	return c != nil && c.Caller != nil
}

// Silent reports whether there is nothing to synthesize.
func (c *Context) Silent() bool {
	u := strings.TrimSpace(c.Utterance)
	return u == "" || strings.EqualFold(u, Silence)
}

// Clone returns a copy that does not share the credentials map.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Caller != nil {
		caller := *c.Caller
		out.Caller = &caller
	}
	if c.Credentials != nil {
		out.Credentials = make(map[string]string, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	return &out
}

// Defaults fill keys missing from an inbound map.
type Defaults struct {
	Action            Action
	Priority          Priority
	RecognitionLocale string
	SynthesisLocale   string
	QueueMode         adapters.QueueMode
}

// ParseAction accepts names like "speak_listen", "SpeakListen" or "SPEAK-LISTEN".
func ParseAction(v string) (Action, bool) {
	switch normalize(v) {
	case "speakonly", "speak":
		return ActionSpeakOnly, true
	case "speaklisten", "speakandlisten":
		return ActionSpeakListen, true
	case "starthotword":
		return ActionStartHotword, true
	case "stophotword":
		return ActionStopHotword, true
	case "togglehotword":
		return ActionToggleHotword, true
	case "unknown":
		return ActionUnknown, true
	}
	return ActionUnknown, false
}

// ParsePriority accepts a name or the ordinal.
func ParsePriority(v string) (Priority, bool) {
	switch normalize(v) {
	case "low", "0":
		return PriorityLow, true
	case "normal", "1":
		return PriorityNormal, true
	case "remote", "2":
		return PriorityRemote, true
	case "max", "3":
		return PriorityMax, true
	}
	return PriorityLow, false
}

// ParseCondition accepts the known condition tags; empty means default.
func ParseCondition(v string) (Condition, bool) {
	switch normalize(v) {
	case "", "default", "none":
		return ConditionDefault, true
	case "emotion", "emotionanalysis":
		return ConditionEmotion, true
	case "identityenroll", "identityenrollment", "enroll":
		return ConditionIdentityEnroll, true
	case "identityverify", "identityverification", "verify":
		return ConditionIdentityVerify, true
	case "translate", "translation":
		return ConditionTranslate, true
	case "secure":
		return ConditionSecure, true
	}
	return ConditionDefault, false
}

// ParseQueueMode accepts "flush"/"replace" and "add"/"append".
func ParseQueueMode(v string) (adapters.QueueMode, bool) {
	switch normalize(v) {
	case "flush", "replace", "0":
		return adapters.QueueFlush, true
	case "add", "append", "1":
		return adapters.QueueAdd, true
	}
	return adapters.QueueFlush, false
}

func normalize(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "_", "")
	v = strings.ReplaceAll(v, "-", "")
	return v
}
