package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"formnerd-mcp-server/internal/dom"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

const controlSelector = "input, textarea, select"

// PageDocumentOptions tunes a PageDocument.
type PageDocumentOptions struct {
	// Timeout bounds every DOM call.
	Timeout time.Duration
	// PollInterval is how often the mutation buffer is drained.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// PageDocument adapts a live rod page to dom.Document.
type PageDocument struct {
	ctx     context.Context
	page    *rod.Page
	timeout time.Duration
	poll    time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	nextID int
}

// NewPageDocument wraps page. ctx bounds the lifetime of every element handle and watch.
func NewPageDocument(ctx context.Context, page *rod.Page, opts PageDocumentOptions) *PageDocument {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PageDocument{
		ctx:     ctx,
		page:    page,
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
		logger:  opts.Logger.Named("page"),
	}
}

// Page returns the underlying rod page.
func (d *PageDocument) Page() *rod.Page { return d.page }

func (d *PageDocument) eval(js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	res, err := d.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return nil, wrapErr(err)
	}
	return res, nil
}

func (d *PageDocument) elements(js string, args ...interface{}) ([]dom.Element, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	els, err := d.page.Context(ctx).ElementsByJS(rod.Eval(js, args...))
	if err != nil {
		return nil, wrapErr(err)
	}
	return d.wrapAll(els), nil
}

func (d *PageDocument) wrap(el *rod.Element) *Element {
	// Handles outlive the call that found them.
	return &Element{doc: d, el: el.Context(d.ctx)}
}

func (d *PageDocument) wrapAll(els rod.Elements) []dom.Element {
	out := make([]dom.Element, len(els))
	for i, el := range els {
		out[i] = d.wrap(el)
	}
	return out
}

func first(els []dom.Element, err error) (dom.Element, bool, error) {
	if err != nil || len(els) == 0 {
		return nil, false, err
	}
	return els[0], true, nil
}

func (d *PageDocument) URL() string {
	res, err := d.eval(`() => location.href`)
	if err != nil {
		d.logger.Debug("read url failed", zap.Error(err))
		return ""
	}
	return res.Value.Str()
}

func (d *PageDocument) Title() string {
	res, err := d.eval(`() => document.title`)
	if err != nil {
		d.logger.Debug("read title failed", zap.Error(err))
		return ""
	}
	return res.Value.Str()
}

func (d *PageDocument) Body() (dom.Element, error) {
	el, ok, err := first(d.elements(`() => document.body ? [document.body] : []`))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("document has no body")
	}
	return el, nil
}

func (d *PageDocument) Forms() ([]dom.Element, error) {
	return d.elements(`() => Array.from(document.querySelectorAll('form'))`)
}

func (d *PageDocument) LooseControls() ([]dom.Element, error) {
	return d.elements(`(sel) => Array.from(document.querySelectorAll(sel)).filter(el => !el.closest('form'))`, controlSelector)
}

func (d *PageDocument) LabelFor(id string) (dom.Element, bool, error) {
	return first(d.elements(`(id) => {
		const l = Array.from(document.querySelectorAll('label[for]')).find(l => l.htmlFor === id);
		return l ? [l] : [];
	}`, id))
}

func (d *PageDocument) Group(name, inputType string) ([]dom.Element, error) {
	return d.elements(`(name, type) => Array.from(document.querySelectorAll('input')).filter(i => i.name === name && i.type === type)`, name, inputType)
}

// Element adapts a rod element to dom.Element. Reads and writes go through page JS so the
// page's own property setters and listeners run.
type Element struct {
	doc *PageDocument
	el  *rod.Element

	tagOnce sync.Once
	tag     string
}

func (e *Element) call(js string, args ...interface{}) (gson.JSON, error) {
	ctx, cancel := context.WithTimeout(e.doc.ctx, e.doc.timeout)
	defer cancel()
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.New(nil), wrapErr(err)
	}
	return res.Value, nil
}

// write runs a mutation that returns false when the element is detached.
func (e *Element) write(js string, args ...interface{}) error {
	v, err := e.call(js, args...)
	if err != nil {
		return err
	}
	if !v.Bool() {
		return dom.ErrDetached
	}
	return nil
}

func (e *Element) elements(js string, args ...interface{}) ([]dom.Element, error) {
	ctx, cancel := context.WithTimeout(e.doc.ctx, e.doc.timeout)
	defer cancel()
	els, err := e.el.Context(ctx).ElementsByJS(rod.Eval(js, args...))
	if err != nil {
		return nil, wrapErr(err)
	}
	return e.doc.wrapAll(els), nil
}

func (e *Element) Tag() string {
	e.tagOnce.Do(func() {
		v, err := e.call(`() => this.tagName.toLowerCase()`)
		if err != nil {
			e.doc.logger.Debug("read tag failed", zap.Error(err))
			return
		}
		e.tag = v.Str()
	})
	return e.tag
}

func (e *Element) Attr(name string) (string, bool, error) {
	v, err := e.call(`(n) => this.getAttribute(n)`, name)
	if err != nil {
		return "", false, err
	}
	if v.Nil() {
		return "", false, nil
	}
	return v.Str(), true, nil
}

func (e *Element) Text() (string, error) {
	v, err := e.call(`() => (this.textContent || '').trim()`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *Element) TextExcluding(tags ...string) (string, error) {
	if len(tags) == 0 {
		return e.Text()
	}
	v, err := e.call(`(sel) => {
		const c = this.cloneNode(true);
		const x = c.querySelector(sel);
		if (x) x.remove();
		return (c.textContent || '').trim();
	}`, strings.Join(tags, ", "))
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *Element) Closest(tag string) (dom.Element, bool, error) {
	return first(e.elements(`(t) => { const x = this.closest(t); return x ? [x] : []; }`, tag))
}

func (e *Element) PreviousElementSibling() (dom.Element, bool, error) {
	return first(e.elements(`() => this.previousElementSibling ? [this.previousElementSibling] : []`))
}

func (e *Element) Controls() ([]dom.Element, error) {
	return e.elements(`(sel) => Array.from(this.querySelectorAll(sel))`, controlSelector)
}

func (e *Element) InputType() (string, error) {
	v, err := e.call(`() => {
		const t = this.tagName.toLowerCase();
		if (t === 'textarea') return 'textarea';
		if (t === 'select') return this.multiple ? 'select-multiple' : 'select-one';
		return (this.type || 'text').toLowerCase();
	}`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *Element) Value() (string, error) {
	v, err := e.call(`() => this.value == null ? '' : String(this.value)`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// SetValue assigns through the prototype setter, bypassing any instance override a
// framework installed to track the value.
func (e *Element) SetValue(value string) error {
	return e.write(`(v) => {
		if (!this.isConnected) return false;
		const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
			: this instanceof HTMLSelectElement ? HTMLSelectElement.prototype
			: HTMLInputElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) desc.set.call(this, v); else this.value = v;
		return true;
	}`, value)
}

func (e *Element) Checked() (bool, error) {
	v, err := e.call(`() => !!this.checked`)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (e *Element) SetChecked(checked bool) error {
	return e.write(`(v) => {
		if (!this.isConnected) return false;
		const desc = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'checked');
		if (desc && desc.set) desc.set.call(this, v); else this.checked = v;
		return true;
	}`, checked)
}

func (e *Element) Required() (bool, error) {
	v, err := e.call(`() => !!this.required`)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (e *Element) Options() ([]string, error) {
	v, err := e.call(`() => this.options ? Array.from(this.options).map(o => o.value) : []`)
	if err != nil {
		return nil, err
	}
	items := v.Arr()
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Str()
	}
	return out, nil
}

func (e *Element) InlineStyle(prop string) (string, error) {
	v, err := e.call(`(p) => this.style ? this.style.getPropertyValue(p) : ''`, prop)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *Element) SetInlineStyle(prop, value string) error {
	return e.write(`(p, v) => {
		if (!this.isConnected) return false;
		if (v) this.style.setProperty(p, v); else this.style.removeProperty(p);
		return true;
	}`, prop, value)
}

func (e *Element) Dispatch(eventType string) error {
	return e.write(`(type) => {
		if (!this.isConnected) return false;
		const init = { bubbles: true, cancelable: true };
		const ev = type === 'keyup' ? new KeyboardEvent(type, init) : new Event(type, init);
		this.dispatchEvent(ev);
		return true;
	}`, eventType)
}

func (e *Element) Focus() error {
	ctx, cancel := context.WithTimeout(e.doc.ctx, e.doc.timeout)
	defer cancel()
	return wrapErr(e.el.Context(ctx).Focus())
}

func (e *Element) ScrollIntoView() error {
	ctx, cancel := context.WithTimeout(e.doc.ctx, e.doc.timeout)
	defer cancel()
	return wrapErr(e.el.Context(ctx).ScrollIntoView())
}

func (e *Element) Rect() (dom.Rect, error) {
	v, err := e.call(`() => { const r = this.getBoundingClientRect(); return [r.x, r.y, r.width, r.height]; }`)
	if err != nil {
		return dom.Rect{}, err
	}
	box := v.Arr()
	if len(box) != 4 {
		return dom.Rect{}, fmt.Errorf("unexpected bounding box %s", v.JSON("", ""))
	}
	return dom.Rect{X: box[0].Num(), Y: box[1].Num(), Width: box[2].Num(), Height: box[3].Num()}, nil
}

// wrapErr maps lost remote objects to dom.ErrDetached.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) && strings.Contains(cdpErr.Message, "Cannot find") {
		return fmt.Errorf("%w: %v", dom.ErrDetached, err)
	}
	return err
}
