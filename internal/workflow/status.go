package workflow

import (
	"strings"

	"caseflow/api/internal/schema"
)

type FieldStatus string

const (
	StatusCompleted    FieldStatus = "completed"
	StatusInProgress   FieldStatus = "in_progress"
	StatusNotCompleted FieldStatus = "not_completed"
)

type ColorStatus string

const (
	ColorGreen ColorStatus = "green"
	ColorAmber ColorStatus = "amber"
	ColorRed   ColorStatus = "red"
)

var inProgressValues = map[string]bool{
	"processing": true,
	"inprogress": true,
	"pending":    true,
}

// StatusOf maps a raw value to a field status. green is the stage's
// completed-value set in normalized form. Total over all kinds and all
// inputs, including empty strings.
func StatusOf(spec schema.FieldSpec, green map[string]bool, raw string) FieldStatus {
	switch spec.Kind {
	case schema.KindChoice:
		value := Normalize(raw)
		if value == "" {
			return StatusNotCompleted
		}
		if green[value] {
			return StatusCompleted
		}
		if inProgressValues[value] {
			return StatusInProgress
		}
		return StatusNotCompleted
	case schema.KindImage:
		// Image fields carry an asset presence marker, not a typed value.
		if strings.TrimSpace(raw) == "" {
			return StatusNotCompleted
		}
		return StatusCompleted
	default:
		// Text, number and datetime fields complete once filled.
		if strings.TrimSpace(raw) == "" {
			return StatusNotCompleted
		}
		return StatusCompleted
	}
}

// ColorStatusOf aggregates field statuses into the stage traffic light:
// green when every applicable field is completed, red when nothing has
// been entered at all, amber for any mix. Image fields carry no badge
// and are excluded.
func ColorStatusOf(def *schema.StageDef, fields []schema.FieldSpec, form map[string]string) ColorStatus {
	green := def.GreenSet()
	allCompleted := true
	anyValue := false
	counted := 0
	for _, field := range fields {
		if field.Kind == schema.KindImage {
			continue
		}
		counted++
		raw := form[field.Key]
		if strings.TrimSpace(raw) != "" {
			anyValue = true
		}
		if StatusOf(field, green, raw) != StatusCompleted {
			allCompleted = false
		}
	}
	if counted == 0 {
		return ColorRed
	}
	if allCompleted {
		return ColorGreen
	}
	if !anyValue {
		return ColorRed
	}
	return ColorAmber
}
