// Package configutil checks and decodes the free-form settings blocks that
// configure providers and notifiers.
package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a settings block accepts. Key matching ignores case,
// underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports keys that are missing, blank or not understood.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var b strings.Builder
	if len(e.Missing) > 0 {
		b.WriteString("missing: ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString("unknown: ")
		b.WriteString(strings.Join(e.Unknown, ", "))
	}
	return b.String()
}

// Validate returns a *SettingsError when input does not fit the schema.
func (s Schema) Validate(input map[string]any) error {
	known := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		known[normalizeKey(k)] = false
	}
	for _, k := range s.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	serr := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		required, ok := known[nk]
		if !ok {
			if !s.AllowUnknown {
				serr.Unknown = append(serr.Unknown, k)
			}
			continue
		}
		if required && blank(v) {
			continue
		}
		present[nk] = true
	}
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func normalizeKey(value string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(value))
}
