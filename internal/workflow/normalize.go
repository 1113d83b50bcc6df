// Package workflow derives field and stage completion state from raw
// form values, and synthesizes the system-authored notes that describe
// what is still outstanding.
package workflow

import (
	"strings"

	"caseflow/api/internal/schema"
)

// Normalize canonicalizes a raw field value for comparison: lower-cased
// with everything outside [a-z0-9] stripped. "Yes", "yes " and "YES!"
// all normalize to "yes". Empty and whitespace-only input normalize to "".
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalOption maps a stored value back to its declared display
// option, so differently-cased or partially punctuated stored data still
// selects the right choice. Values matching no option are returned as-is.
func CanonicalOption(spec schema.FieldSpec, raw string) string {
	if spec.Kind != schema.KindChoice {
		return raw
	}
	normalized := Normalize(raw)
	if normalized == "" {
		return ""
	}
	for _, option := range spec.Options {
		if Normalize(option) == normalized {
			return option
		}
	}
	return raw
}
