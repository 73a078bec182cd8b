// Package redact scrubs personal data and secrets before they reach logs.
package redact

import (
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	secretRe = regexp.MustCompile(`(?i)\b(api[_-]?key|token|auth[_-]?token|password|secret)\s*[=:]\s*\S+`)
)

// SetEnabled toggles PII redaction. Secrets are masked regardless.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks secrets and, when enabled, emails and phone numbers.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := secretRe.ReplaceAllString(in, "$1=[REDACTED]")
	if !enabled.Load() {
		return out
	}
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Utterance is the text of a request as it may be logged. Secure requests
// log nothing.
func Utterance(text string, secure bool) string {
	if secure {
		return ""
	}
	return Text(text)
}

// Keys lists credential names without their values.
func Keys(creds map[string]string) []string {
	if len(creds) == 0 {
		return nil
	}
	out := make([]string, 0, len(creds))
	for k := range creds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
