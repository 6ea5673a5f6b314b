// Package detector scans a document for forms and keeps the model current as the page
// changes.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"formnerd-mcp-server/internal/dom"
	"formnerd-mcp-server/internal/form"

	"go.uber.org/zap"
)

// WatchedAttributes are the attribute names whose changes trigger a rescan.
var WatchedAttributes = []string{"type", "name", "id", "class"}

// Detector owns the form model of one document.
type Detector struct {
	doc    dom.Document
	logger *zap.Logger

	model atomic.Pointer[[]form.Form]

	// mu serializes scans and guards watch and gen.
	mu    sync.Mutex
	watch *watch
	gen   uint64
	scans atomic.Uint64
}

type watch struct {
	gen     uint64
	sub     dom.Subscription
	stopped chan struct{}
	once    sync.Once

	// inflight counts rescans of this generation. Add happens under Detector.mu while
	// gen is current, so a Wait after gen moves on sees every rescan.
	inflight sync.WaitGroup
}

// teardown stops the subscription and waits for a running onChange. The caller has
// already retired w.gen. It must not run inside onChange.
func (w *watch) teardown() {
	w.once.Do(func() {
		close(w.stopped)
		w.sub.Stop()
	})
	w.inflight.Wait()
	// The subscription may have been stopped mid-delivery; this call waits for it.
	w.sub.Stop()
}

// New returns a Detector for doc. A nil logger discards output.
func New(doc dom.Document, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{doc: doc, logger: logger.Named("detector")}
}

// Initialize runs one detection pass, then watches the document and rescans on every
// structural change until Destroy is called or ctx is done. onChange, when set, receives
// the forms of each rescan; it must not call Initialize or Destroy, but may cancel ctx.
// Calling Initialize again replaces the previous watch.
func (d *Detector) Initialize(ctx context.Context, onChange func([]form.Form)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if _, err := d.scanLocked(); err != nil {
		d.mu.Unlock()
		return err
	}

	prev := d.watch
	d.watch = nil
	d.gen++
	w := &watch{gen: d.gen, stopped: make(chan struct{})}

	sub, err := d.doc.Observe(dom.ObserveOptions{
		ChildList:       true,
		Subtree:         true,
		Attributes:      true,
		AttributeFilter: WatchedAttributes,
	}, func(records int) {
		d.rescan(w, records, onChange)
	})
	if err == nil {
		w.sub = sub
		d.watch = w
	}
	d.mu.Unlock()

	// Teardown may wait on an in-flight rescan, which needs d.mu.
	if prev != nil {
		prev.teardown()
	}
	if err != nil {
		return fmt.Errorf("observe document: %w", err)
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				d.stopWatch(w)
			case <-w.stopped:
			}
		}()
	}

	d.logger.Debug("watch installed", zap.Uint64("generation", w.gen))
	return nil
}

func (d *Detector) rescan(w *watch, records int, onChange func([]form.Form)) {
	d.mu.Lock()
	if d.gen != w.gen {
		d.mu.Unlock()
		return
	}
	w.inflight.Add(1)
	defer w.inflight.Done()
	forms, err := d.scanLocked()
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("rescan failed", zap.Int("records", records), zap.Error(err))
		return
	}
	d.logger.Debug("rescan", zap.Int("records", records), zap.Int("forms", len(forms)))
	if onChange == nil || !d.current(w) {
		return
	}
	onChange(forms)
}

func (d *Detector) current(w *watch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == w.gen
}

func (d *Detector) stopWatch(w *watch) {
	d.mu.Lock()
	if d.watch == w {
		d.watch = nil
		d.gen++
	}
	d.mu.Unlock()
	w.teardown()
}

// DetectForms rescans the document and replaces the model. On error the previous model
// is kept.
func (d *Detector) DetectForms() ([]form.Form, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanLocked()
}

func (d *Detector) scanLocked() ([]form.Form, error) {
	forms, err := d.scan()
	if err != nil {
		return nil, err
	}
	d.model.Store(&forms)
	d.scans.Add(1)
	return forms, nil
}

func (d *Detector) scan() ([]form.Form, error) {
	forms := []form.Form{}

	formEls, err := d.doc.Forms()
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	for i, el := range formEls {
		f, err := d.processForm(el, fmt.Sprintf("form-%d", i))
		if err != nil {
			return nil, err
		}
		if len(f.Fields) > 0 {
			forms = append(forms, f)
		}
	}

	loose, err := d.doc.LooseControls()
	if err != nil {
		return nil, fmt.Errorf("list loose controls: %w", err)
	}
	if len(loose) > 0 {
		body, err := d.doc.Body()
		if err != nil {
			return nil, fmt.Errorf("resolve body: %w", err)
		}
		fields, err := d.processFields(loose, form.ImplicitFormID, "implicit-field-%d")
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			rect, err := body.Rect()
			if err != nil {
				return nil, fmt.Errorf("measure body: %w", err)
			}
			forms = append(forms, form.Form{
				ID:          form.ImplicitFormID,
				Fields:      fields,
				BoundingBox: rect,
				Element:     body,
			})
		}
	}
	return forms, nil
}

func (d *Detector) processForm(el dom.Element, id string) (form.Form, error) {
	controls, err := el.Controls()
	if err != nil {
		return form.Form{}, fmt.Errorf("%s: list controls: %w", id, err)
	}
	fields, err := d.processFields(controls, id, id+"-field-%d")
	if err != nil {
		return form.Form{}, err
	}
	action, err := optionalAttr(el, "action")
	if err != nil {
		return form.Form{}, err
	}
	method, err := optionalAttr(el, "method")
	if err != nil {
		return form.Form{}, err
	}
	rect, err := el.Rect()
	if err != nil {
		return form.Form{}, fmt.Errorf("%s: measure: %w", id, err)
	}
	return form.Form{
		ID:          id,
		Fields:      fields,
		Action:      action,
		Method:      method,
		BoundingBox: rect,
		Element:     el,
	}, nil
}

// processFields numbers controls by their position before filtering.
func (d *Detector) processFields(controls []dom.Element, formID, idFormat string) ([]form.Field, error) {
	fields := make([]form.Field, 0, len(controls))
	for j, el := range controls {
		id := fmt.Sprintf(idFormat, j)
		f, keep, err := d.processField(el, id, formID)
		if errors.Is(err, dom.ErrDetached) {
			// Removed mid-scan; the watch reports the removal and rescans.
			d.logger.Debug("skipping detached control", zap.String("field", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		if keep {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

func (d *Detector) processField(el dom.Element, id, formID string) (form.Field, bool, error) {
	tag := el.Tag()
	if tag == "input" {
		t, err := el.InputType()
		if err != nil {
			return form.Field{}, false, err
		}
		if skippedTypes[t] {
			return form.Field{}, false, nil
		}
	}
	display, err := el.InlineStyle("display")
	if err != nil {
		return form.Field{}, false, err
	}
	if display == "none" {
		return form.Field{}, false, nil
	}

	raw, err := rawType(el)
	if err != nil {
		return form.Field{}, false, err
	}
	kind := resolveKind(control{tag: tag, rawType: raw})

	f := form.Field{ID: id, Kind: kind, InputType: raw, FormID: formID, Element: el}

	if f.Name, err = nameAttr(el); err != nil {
		return form.Field{}, false, err
	}
	if f.Label, err = resolveLabel(d.doc, el); err != nil {
		return form.Field{}, false, err
	}
	if f.Placeholder, err = optionalAttr(el, "placeholder"); err != nil {
		return form.Field{}, false, err
	}
	if f.Value, err = el.Value(); err != nil {
		return form.Field{}, false, err
	}
	if f.Required, err = el.Required(); err != nil {
		return form.Field{}, false, err
	}
	if tag == "input" {
		if f.Pattern, err = optionalAttr(el, "pattern"); err != nil {
			return form.Field{}, false, err
		}
	}
	if f.Options, err = d.options(el, f); err != nil {
		return form.Field{}, false, err
	}
	if f.BoundingBox, err = el.Rect(); err != nil {
		return form.Field{}, false, err
	}
	return f, true, nil
}

func (d *Detector) options(el dom.Element, f form.Field) ([]string, error) {
	switch f.Kind {
	case form.KindSelect:
		return el.Options()
	case form.KindRadio, form.KindCheckbox:
		name, _, err := el.Attr("name")
		if err != nil {
			return nil, err
		}
		if name == "" {
			if f.Kind == form.KindRadio {
				return []string{f.Value}, nil
			}
			return nil, nil
		}
		group, err := d.doc.Group(name, string(f.Kind))
		if err != nil {
			return nil, err
		}
		if f.Kind == form.KindCheckbox && len(group) < 2 {
			return nil, nil
		}
		values := make([]string, 0, len(group))
		for _, member := range group {
			v, err := member.Value()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}
	return nil, nil
}

func optionalAttr(el dom.Element, name string) (*string, error) {
	v, _, err := el.Attr(name)
	if err != nil || v == "" {
		return nil, err
	}
	return &v, nil
}

// Forms returns the current model.
func (d *Detector) Forms() []form.Form {
	if p := d.model.Load(); p != nil {
		return *p
	}
	return []form.Form{}
}

// Context returns a snapshot of the current model without rescanning.
func (d *Detector) Context() form.Context {
	return form.NewContext(d.doc.URL(), d.doc.Title(), d.Forms())
}

// Field looks up a field of the current model.
func (d *Detector) Field(id string) (form.Field, bool) {
	for _, f := range d.Forms() {
		for _, field := range f.Fields {
			if field.ID == id {
				return field, true
			}
		}
	}
	return form.Field{}, false
}

// Form looks up a form of the current model.
func (d *Detector) Form(id string) (form.Form, bool) {
	for _, f := range d.Forms() {
		if f.ID == id {
			return f, true
		}
	}
	return form.Form{}, false
}

// Scans returns how many detection passes have completed.
func (d *Detector) Scans() uint64 { return d.scans.Load() }

// Watching reports whether a watch is installed.
func (d *Detector) Watching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watch != nil
}

// Destroy stops the watch and clears the model. It returns after a running onChange has
// finished. It is safe to call more than once.
func (d *Detector) Destroy() {
	d.mu.Lock()
	w := d.watch
	d.watch = nil
	d.gen++
	d.model.Store(nil)
	d.mu.Unlock()

	if w != nil {
		w.teardown()
	}
}
