package workflow

import (
	"strings"

	"caseflow/api/internal/schema"
)

// noteSeparator joins the system note and the client comment in the
// combined storage format. Parsing splits on the first occurrence only,
// so a comment containing " - " still round-trips; a system note
// containing it would not, and declared wording avoids the sequence.
const noteSeparator = " - "

// SystemNote builds the system-authored sentence for one note group:
// either the stage's all-complete wording, or the labels of outstanding
// fields in declaration order joined with the stage's template. A field
// is outstanding when its normalized value sits outside the stage green
// set (text-like members: when empty). Fields filtered out by matter
// attributes are skipped entirely, as are image fields.
func SystemNote(def *schema.StageDef, group schema.NoteGroup, fields []schema.FieldSpec, form map[string]string) string {
	active := make(map[string]schema.FieldSpec, len(fields))
	for _, field := range fields {
		active[field.Key] = field
	}

	green := def.GreenSet()
	var outstanding []string
	for _, member := range group.Members {
		field, ok := active[member]
		if !ok || field.Kind == schema.KindImage {
			continue
		}
		raw := form[field.Key]
		received := false
		switch field.Kind {
		case schema.KindChoice:
			received = green[Normalize(raw)]
		default:
			received = strings.TrimSpace(raw) != ""
		}
		if !received {
			outstanding = append(outstanding, field.Label)
		}
	}

	if len(outstanding) == 0 {
		return group.CompleteText
	}
	return strings.Join(outstanding, group.Join) + group.Suffix
}

// ComposeCombinedNote encodes the persisted note string for tenants
// that store both halves in one field.
func ComposeCombinedNote(systemNote, clientComment string) string {
	return systemNote + noteSeparator + clientComment
}

// ParseCombinedNote recovers (systemNote, clientComment) from a stored
// combined note. A value without the separator is all system note.
func ParseCombinedNote(stored string) (systemNote, clientComment string) {
	index := strings.Index(stored, noteSeparator)
	if index < 0 {
		return stored, ""
	}
	return stored[:index], stored[index+len(noteSeparator):]
}
