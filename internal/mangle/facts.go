package mangle

import (
	"time"

	"formnerd-mcp-server/internal/form"
)

// Journal predicates.
const (
	PredFormDetected   = "form_detected"
	PredFieldDetected  = "field_detected"
	PredFieldFilled    = "field_filled"
	PredFieldCleared   = "field_cleared"
	PredFieldFillFail  = "field_fill_failed"
	PredFieldValidated = "field_validated"
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DetectionFacts describes one detection pass.
func DetectionFacts(sessionID string, forms []form.Form) []Fact {
	now := time.Now()
	facts := make([]Fact, 0, len(forms)*4)
	for _, f := range forms {
		facts = append(facts, Fact{
			Predicate: PredFormDetected,
			Args:      []interface{}{sessionID, f.ID, deref(f.Action), deref(f.Method), len(f.Fields)},
			Timestamp: now,
		})
		for _, field := range f.Fields {
			facts = append(facts, Fact{
				Predicate: PredFieldDetected,
				Args:      []interface{}{sessionID, field.ID, f.ID, string(field.Kind), field.Name, field.Required},
				Timestamp: now,
			})
		}
	}
	return facts
}

// FillFact records one fill attempt. An empty value is a clear. Values are not journaled.
func FillFact(sessionID, fieldID, value string, err error) Fact {
	now := time.Now()
	switch {
	case err != nil:
		return Fact{Predicate: PredFieldFillFail, Args: []interface{}{sessionID, fieldID, err.Error()}, Timestamp: now}
	case value == "":
		return Fact{Predicate: PredFieldCleared, Args: []interface{}{sessionID, fieldID}, Timestamp: now}
	default:
		return Fact{Predicate: PredFieldFilled, Args: []interface{}{sessionID, fieldID}, Timestamp: now}
	}
}

// ValidationFact records the outcome of a field check.
func ValidationFact(sessionID, fieldID string, res form.ValidationResult) Fact {
	return Fact{
		Predicate: PredFieldValidated,
		Args:      []interface{}{sessionID, fieldID, res.Valid, res.Error},
		Timestamp: time.Now(),
	}
}
