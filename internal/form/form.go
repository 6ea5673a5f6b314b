// Package form holds the model the detector builds and the manipulator acts on.
package form

import (
	"errors"
	"time"

	"formnerd-mcp-server/internal/dom"
)

var (
	// ErrFieldNotFound means the field id is not in the current detection model.
	ErrFieldNotFound = errors.New("field not found")
	// ErrFormNotFound means the form id is not in the current detection model.
	ErrFormNotFound = errors.New("form not found")
	// ErrUnsupported marks operations a field kind cannot perform, such as filling a file input.
	ErrUnsupported = errors.New("unsupported operation")
)

// Kind is the normalized field type.
type Kind string

const (
	KindText     Kind = "text"
	KindEmail    Kind = "email"
	KindPassword Kind = "password"
	KindTel      Kind = "tel"
	KindURL      Kind = "url"
	KindNumber   Kind = "number"
	KindDate     Kind = "date"
	KindDatetime Kind = "datetime"
	KindTime     Kind = "time"
	KindTextarea Kind = "textarea"
	KindSelect   Kind = "select"
	KindRadio    Kind = "radio"
	KindCheckbox Kind = "checkbox"
	KindFile     Kind = "file"
	KindHidden   Kind = "hidden"
)

// Enumerable reports whether fields of this kind carry options.
func (k Kind) Enumerable() bool {
	return k == KindSelect || k == KindRadio || k == KindCheckbox
}

// ImplicitFormID names the synthetic form holding controls outside any <form>.
const ImplicitFormID = "implicit-form"

// Field is one addressable control.
type Field struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`
	// InputType is the raw type attribute of an input, empty for textarea and select.
	InputType   string   `json:"inputType,omitempty"`
	Name        string   `json:"name"`
	Label       *string  `json:"label"`
	Placeholder *string  `json:"placeholder"`
	Value       string   `json:"value"`
	Required    bool     `json:"required"`
	Pattern     *string  `json:"pattern"`
	Options     []string `json:"options,omitempty"`
	BoundingBox dom.Rect `json:"boundingBox"`

	// FormID is the owning form.
	FormID string `json:"formId"`

	Element dom.Element `json:"-"`
}

// Form is a container of fields, explicit or implicit.
type Form struct {
	ID          string   `json:"id"`
	Fields      []Field  `json:"fields"`
	Action      *string  `json:"action"`
	Method      *string  `json:"method"`
	BoundingBox dom.Rect `json:"boundingBox"`

	Element dom.Element `json:"-"`
}

// Implicit reports whether f is the synthetic form.
func (f Form) Implicit() bool { return f.ID == ImplicitFormID }

// Context is a detection snapshot of one page.
type Context struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Forms []Form `json:"forms"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewContext stamps a snapshot with the current time.
func NewContext(url, title string, forms []Form) Context {
	if forms == nil {
		forms = []Form{}
	}
	return Context{URL: url, Title: title, Forms: forms, Timestamp: time.Now().UnixMilli()}
}

// FieldCount returns the number of fields across all forms.
func (c Context) FieldCount() int {
	n := 0
	for _, f := range c.Forms {
		n += len(f.Fields)
	}
	return n
}

// FillStrategy asks for one field to be set. Confidence is informational.
type FillStrategy struct {
	FieldID    string  `json:"fieldId"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// FillResult counts the outcome of a batch fill.
type FillResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ValidationResult is the outcome of a field check.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Invalid builds a failing ValidationResult.
func Invalid(msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg}
}
