// Package manipulator writes values into detected fields so that page scripts see the
// change.
package manipulator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"formnerd-mcp-server/internal/dom"
	"formnerd-mcp-server/internal/form"

	"go.uber.org/zap"
)

const (
	DefaultPause         = 10 * time.Millisecond
	DefaultHighlightHold = 500 * time.Millisecond

	highlightOutline    = "2px solid #3b82f6"
	highlightTransition = "outline 0.2s ease"
	transitionRestore   = 200 * time.Millisecond
)

// Events fired after every write, in order.
var fillEvents = []string{dom.EventInput, dom.EventChange, dom.EventBlur, dom.EventKeyUp}

// Model is the read side of the detector.
type Model interface {
	Field(id string) (form.Field, bool)
	Form(id string) (form.Form, bool)
	Context() form.Context
}

// Options tunes pacing and feedback.
type Options struct {
	// Pause separates the items of FillFields.
	Pause time.Duration
	// HighlightHold is how long the outline stays on a filled field.
	HighlightHold time.Duration
	// DisableHighlight skips the outline after fills.
	DisableHighlight bool
	// OnFill, when set, observes every fill attempt. err is nil on success.
	OnFill func(fieldID, value string, err error)
}

// DefaultOptions mirrors the pacing browsers users are used to.
func DefaultOptions() Options {
	return Options{Pause: DefaultPause, HighlightHold: DefaultHighlightHold}
}

// Manipulator holds no form state; every call reads the model afresh.
type Manipulator struct {
	doc    dom.Document
	model  Model
	logger *zap.Logger
	opts   Options

	timers sync.WaitGroup
}

// New returns a Manipulator acting on doc through model.
func New(doc dom.Document, model Model, logger *zap.Logger, opts Options) *Manipulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manipulator{doc: doc, model: model, logger: logger.Named("manipulator"), opts: opts}
}

// Fill sets one field and reports why it failed.
func (m *Manipulator) Fill(fieldID, value string) (err error) {
	defer func() {
		if m.opts.OnFill != nil {
			m.opts.OnFill(fieldID, value, err)
		}
	}()

	field, ok := m.model.Field(fieldID)
	if !ok {
		return fmt.Errorf("%s: %w", fieldID, form.ErrFieldNotFound)
	}
	if err := m.write(field, value); err != nil {
		if field.Kind == form.KindFile {
			m.logger.Warn("file inputs cannot be filled programmatically", zap.String("field", fieldID))
		} else {
			m.logger.Error("fill failed", zap.String("field", fieldID), zap.Error(err))
		}
		return err
	}
	if !m.opts.DisableHighlight {
		m.highlight(field)
	}
	return nil
}

// FillField sets one field and reports success.
func (m *Manipulator) FillField(fieldID, value string) bool {
	return m.Fill(fieldID, value) == nil
}

func (m *Manipulator) write(field form.Field, value string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic during fill: %v", field.ID, r)
		}
	}()

	el := field.Element
	switch field.Kind {
	case form.KindCheckbox:
		if err := el.SetChecked(truthy(value)); err != nil {
			return fmt.Errorf("%s: set checked: %w", field.ID, err)
		}
	case form.KindRadio:
		if err := m.checkRadio(field, value); err != nil {
			return fmt.Errorf("%s: %w", field.ID, err)
		}
	case form.KindFile:
		return fmt.Errorf("%s: file input: %w", field.ID, form.ErrUnsupported)
	default:
		if err := el.SetValue(value); err != nil {
			return fmt.Errorf("%s: set value: %w", field.ID, err)
		}
	}

	for _, ev := range fillEvents {
		if err := el.Dispatch(ev); err != nil {
			return fmt.Errorf("%s: dispatch %s: %w", field.ID, ev, err)
		}
	}
	return nil
}

func truthy(value string) bool {
	return value == "true" || value == "1" || strings.EqualFold(value, "yes")
}

// checkRadio checks the group member whose value equals value and unchecks the rest.
func (m *Manipulator) checkRadio(field form.Field, value string) error {
	members := []dom.Element{field.Element}
	if field.Name != "" {
		group, err := m.doc.Group(field.Name, string(form.KindRadio))
		if err != nil {
			return fmt.Errorf("radio group: %w", err)
		}
		if len(group) > 0 {
			members = group
		}
	}
	for _, radio := range members {
		v, err := radio.Value()
		if err != nil {
			return err
		}
		if err := radio.SetChecked(v == value); err != nil {
			return err
		}
	}
	return nil
}

// FillFields applies strategies in order, pausing between them. It never stops on a
// failed item; a cancelled ctx counts the items not yet applied as failed.
func (m *Manipulator) FillFields(ctx context.Context, strategies []form.FillStrategy) form.FillResult {
	var res form.FillResult
	for i, s := range strategies {
		if ctx.Err() != nil {
			res.Failed += len(strategies) - i
			m.logger.Info("fill cancelled", zap.Int("remaining", len(strategies)-i))
			break
		}
		if m.FillField(s.FieldID, s.Value) {
			res.Success++
		} else {
			res.Failed++
		}
		if i < len(strategies)-1 {
			sleepWithContext(ctx, m.opts.Pause)
		}
	}
	m.logger.Debug("fill batch", zap.Int("success", res.Success), zap.Int("failed", res.Failed))
	return res
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ClearField empties one field.
func (m *Manipulator) ClearField(fieldID string) bool {
	return m.FillField(fieldID, "")
}

// ClearForm empties every field of a form. An unknown form is ignored.
func (m *Manipulator) ClearForm(formID string) {
	for _, f := range m.model.Context().Forms {
		if f.ID != formID {
			continue
		}
		for _, field := range f.Fields {
			m.FillField(field.ID, "")
		}
		return
	}
}

// ReadAllFields returns the live value of every field in the model.
func (m *Manipulator) ReadAllFields() map[string]string {
	values := make(map[string]string)
	for _, f := range m.model.Context().Forms {
		for _, field := range f.Fields {
			v, err := currentValue(field)
			if err != nil {
				m.logger.Debug("read failed", zap.String("field", field.ID), zap.Error(err))
			}
			values[field.ID] = v
		}
	}
	return values
}

// currentValue reads a field the way callers compare it: checkboxes as "true"/"false",
// radios as their value when checked.
func currentValue(field form.Field) (string, error) {
	el := field.Element
	switch field.Kind {
	case form.KindCheckbox:
		checked, err := el.Checked()
		if err != nil {
			return "", err
		}
		if checked {
			return "true", nil
		}
		return "false", nil
	case form.KindRadio:
		checked, err := el.Checked()
		if err != nil || !checked {
			return "", err
		}
		return el.Value()
	default:
		return el.Value()
	}
}

// FocusField focuses a field and scrolls it into view. Failures are logged only.
func (m *Manipulator) FocusField(fieldID string) {
	field, ok := m.model.Field(fieldID)
	if !ok {
		return
	}
	if err := field.Element.Focus(); err != nil {
		m.logger.Debug("focus failed", zap.String("field", fieldID), zap.Error(err))
	}
	if err := field.Element.ScrollIntoView(); err != nil {
		m.logger.Debug("scroll failed", zap.String("field", fieldID), zap.Error(err))
	}
}

// HighlightField outlines a field briefly.
func (m *Manipulator) HighlightField(fieldID string) bool {
	field, ok := m.model.Field(fieldID)
	if !ok {
		return false
	}
	return m.highlight(field)
}

// highlight sets the outline now and restores the saved styles on timers.
func (m *Manipulator) highlight(field form.Field) bool {
	el := field.Element
	outline, err := el.InlineStyle("outline")
	if err != nil {
		m.logger.Debug("highlight skipped", zap.String("field", field.ID), zap.Error(err))
		return false
	}
	transition, _ := el.InlineStyle("transition")

	if err := el.SetInlineStyle("transition", highlightTransition); err != nil {
		m.logger.Debug("highlight skipped", zap.String("field", field.ID), zap.Error(err))
		return false
	}
	if err := el.SetInlineStyle("outline", highlightOutline); err != nil {
		// The transition is already set; the timers below still restore it.
		m.logger.Debug("outline set failed", zap.String("field", field.ID), zap.Error(err))
	}

	hold := m.opts.HighlightHold
	if hold <= 0 {
		hold = DefaultHighlightHold
	}
	m.timers.Add(1)
	time.AfterFunc(hold, func() {
		if err := el.SetInlineStyle("outline", outline); err != nil {
			m.logger.Debug("outline restore failed", zap.String("field", field.ID), zap.Error(err))
		}
		time.AfterFunc(transitionRestore, func() {
			defer m.timers.Done()
			if err := el.SetInlineStyle("transition", transition); err != nil {
				m.logger.Debug("transition restore failed", zap.String("field", field.ID), zap.Error(err))
			}
		})
	})
	return true
}

// Wait blocks until every pending highlight has been restored.
func (m *Manipulator) Wait() {
	m.timers.Wait()
}
