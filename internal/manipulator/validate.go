package manipulator

import (
	"regexp"

	"formnerd-mcp-server/internal/form"

	"go.uber.org/zap"
)

const (
	msgNotFound = "Field not found"
	msgRequired = "This field is required"
	msgPattern  = "Value does not match required pattern"
	msgEmail    = "Invalid email address"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateField checks the live value of a field and reports the first failure.
func (m *Manipulator) ValidateField(fieldID string) form.ValidationResult {
	field, ok := m.model.Field(fieldID)
	if !ok {
		return form.Invalid(msgNotFound)
	}

	value, err := currentValue(field)
	if err != nil {
		m.logger.Debug("validate read failed", zap.String("field", fieldID), zap.Error(err))
	}

	if field.Required && value == "" {
		return form.Invalid(msgRequired)
	}

	if field.Pattern != nil && *field.Pattern != "" && value != "" {
		// The pattern attribute matches the whole value.
		re, err := regexp.Compile("^(?:" + *field.Pattern + ")$")
		if err != nil {
			m.logger.Warn("ignoring invalid pattern", zap.String("field", fieldID), zap.String("pattern", *field.Pattern), zap.Error(err))
		} else if !re.MatchString(value) {
			return form.Invalid(msgPattern)
		}
	}

	if field.Kind == form.KindEmail && value != "" && !emailPattern.MatchString(value) {
		return form.Invalid(msgEmail)
	}

	return form.ValidationResult{Valid: true}
}
