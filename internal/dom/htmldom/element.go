package htmldom

import (
	"fmt"
	"strings"

	"formnerd-mcp-server/internal/dom"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Element is a handle on one node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

// Same reports whether e and other refer to the same node.
func (e *Element) Same(other dom.Element) bool {
	o, ok := other.(*Element)
	return ok && o.node == e.node
}

func (e *Element) Tag() string { return e.node.Data }

func (e *Element) Attr(name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := attr(e.node, strings.ToLower(name))
	return v, ok, nil
}

func (e *Element) Text() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return strings.TrimSpace(textContent(e.node, nil)), nil
}

func (e *Element) TextExcluding(tags ...string) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	skip := firstDescendant(e.node, tags...)
	return strings.TrimSpace(textContent(e.node, skip)), nil
}

func (e *Element) Closest(tag string) (dom.Element, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node; n != nil; n = n.Parent {
		if isElement(n, tag) {
			return e.doc.wrap(n), true, nil
		}
	}
	return nil, false, nil
}

func (e *Element) PreviousElementSibling() (dom.Element, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node.PrevSibling; n != nil; n = n.PrevSibling {
		if n.Type == html.ElementNode {
			return e.doc.wrap(n), true, nil
		}
	}
	return nil, false, nil
}

func (e *Element) Controls() ([]dom.Element, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	nodes, err := htmlquery.QueryAll(e.node, controlsXPath)
	if err != nil {
		return nil, err
	}
	return e.doc.wrapAll(nodes), nil
}

func (e *Element) InputType() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	switch e.node.Data {
	case "input":
		return inputTypeOf(e.node), nil
	case "textarea":
		return "textarea", nil
	case "select":
		if _, multi := attr(e.node, "multiple"); multi {
			return "select-multiple", nil
		}
		return "select-one", nil
	default:
		v, _ := attr(e.node, "type")
		return strings.ToLower(v), nil
	}
}

// Value returns the live value property.
func (e *Element) Value() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.valueOf(e.node), nil
}

func (d *Document) valueOf(n *html.Node) string {
	st := d.state[n]
	switch n.Data {
	case "input":
		t := inputTypeOf(n)
		if t == "checkbox" || t == "radio" {
			if v, ok := attr(n, "value"); ok {
				return v
			}
			return "on"
		}
		if st != nil && st.valueDirty {
			return st.value
		}
		v, _ := attr(n, "value")
		return v
	case "textarea":
		if st != nil && st.valueDirty {
			return st.value
		}
		return textContent(n, nil)
	case "select":
		opts := options(n)
		idx := d.selectedIndex(n, opts)
		if idx < 0 {
			return ""
		}
		return optionValue(opts[idx])
	default:
		v, _ := attr(n, "value")
		return v
	}
}

// SetValue writes the value property. For a select it picks the first option with that
// value, or clears the selection when none matches.
func (e *Element) SetValue(v string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.attached(e.node) {
		return dom.ErrDetached
	}
	switch e.node.Data {
	case "input":
		switch inputTypeOf(e.node) {
		case "checkbox", "radio":
			writeAttr(e.node, "value", v)
			return nil
		case "file":
			if v != "" {
				return fmt.Errorf("file input value can only be cleared")
			}
		}
		st := e.doc.stateOf(e.node)
		st.value, st.valueDirty = v, true
	case "textarea":
		st := e.doc.stateOf(e.node)
		st.value, st.valueDirty = v, true
	case "select":
		st := e.doc.stateOf(e.node)
		st.selectedIndex, st.selectDirty = -1, true
		for i, opt := range options(e.node) {
			if optionValue(opt) == v {
				st.selectedIndex = i
				break
			}
		}
	default:
		return fmt.Errorf("<%s> has no value property", e.node.Data)
	}
	return nil
}

func (e *Element) Checked() (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.checkedOf(e.node), nil
}

func (d *Document) checkedOf(n *html.Node) bool {
	if st := d.state[n]; st != nil && st.checkedDirty {
		return st.checked
	}
	_, ok := attr(n, "checked")
	return ok
}

// SetChecked writes the checked property. Checking a radio unchecks the rest of its group.
func (e *Element) SetChecked(v bool) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.attached(e.node) {
		return dom.ErrDetached
	}
	if e.node.Data != "input" {
		return fmt.Errorf("<%s> has no checked property", e.node.Data)
	}
	st := e.doc.stateOf(e.node)
	st.checked, st.checkedDirty = v, true

	if v && inputTypeOf(e.node) == "radio" {
		name, ok := attr(e.node, "name")
		if !ok || name == "" {
			return nil
		}
		owner := formOwner(e.node)
		for _, other := range e.doc.group(name, "radio") {
			if other == e.node || formOwner(other) != owner {
				continue
			}
			st := e.doc.stateOf(other)
			st.checked, st.checkedDirty = false, true
		}
	}
	return nil
}

func (e *Element) Required() (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	_, ok := attr(e.node, "required")
	return ok, nil
}

func (e *Element) Options() ([]string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.node.Data != "select" {
		return nil, nil
	}
	opts := options(e.node)
	out := make([]string, 0, len(opts))
	for _, opt := range opts {
		out = append(out, optionValue(opt))
	}
	return out, nil
}

func (e *Element) InlineStyle(prop string) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	style, _ := attr(e.node, "style")
	return dom.ParseStyle(style)[strings.ToLower(prop)], nil
}

// SetInlineStyle sets or, with an empty value, removes one declaration of the style
// attribute. Like other property writes it produces no mutation record; use
// SetAttribute("style", ...) for an observable change.
func (e *Element) SetInlineStyle(prop, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	style, _ := attr(e.node, "style")
	decls := dom.ParseStyle(style)
	order := dom.StyleOrder(style)
	prop = strings.ToLower(prop)
	if value == "" {
		delete(decls, prop)
	} else {
		decls[prop] = value
	}
	formatted := dom.FormatStyle(order, decls)
	if formatted == "" {
		deleteAttr(e.node, "style")
		return nil
	}
	writeAttr(e.node, "style", formatted)
	return nil
}

// Dispatch records the event and hands it to every listener.
func (e *Element) Dispatch(eventType string) error {
	e.doc.mu.Lock()
	if !e.doc.attached(e.node) {
		e.doc.mu.Unlock()
		return dom.ErrDetached
	}
	ev := Event{Type: eventType, Target: e.doc.wrap(e.node), Value: e.doc.valueOf(e.node)}
	e.doc.events = append(e.doc.events, ev)
	listeners := e.doc.snapshotListeners()
	e.doc.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

func (e *Element) Focus() error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.attached(e.node) {
		return dom.ErrDetached
	}
	e.doc.focused = e.node
	return nil
}

func (e *Element) ScrollIntoView() error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.attached(e.node) {
		return dom.ErrDetached
	}
	e.doc.scrolled = e.node
	return nil
}

// Rect is always zero; the document has no layout.
func (e *Element) Rect() (dom.Rect, error) {
	return dom.Rect{}, nil
}

// SetAttribute sets an attribute and notifies observers.
func (e *Element) SetAttribute(name, value string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.setAttr(e.node, strings.ToLower(name), value)
}

// RemoveAttribute removes an attribute and notifies observers when it was present.
func (e *Element) RemoveAttribute(name string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.removeAttr(e.node, strings.ToLower(name))
}

// AppendHTML parses fragment in the context of e and appends the result as children.
func (e *Element) AppendHTML(fragment string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), e.node)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		e.node.AppendChild(n)
	}
	if len(nodes) > 0 {
		e.doc.record(mutation{childList: true})
	}
	return nil
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.node.Parent == nil {
		return
	}
	e.node.Parent.RemoveChild(e.node)
	e.doc.record(mutation{childList: true})
}

func (d *Document) setAttr(n *html.Node, name, value string) {
	writeAttr(n, name, value)
	d.record(mutation{attribute: name})
}

func (d *Document) removeAttr(n *html.Node, name string) {
	if deleteAttr(n, name) {
		d.record(mutation{attribute: name})
	}
}

// writeAttr and deleteAttr change attributes without notifying observers. Caller holds d.mu.
func writeAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func deleteAttr(n *html.Node, name string) bool {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return true
		}
	}
	return false
}

// options lists the option elements of a select in document order.
func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if isElement(c, "option") {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(sel)
	return out
}

func optionValue(opt *html.Node) string {
	if v, ok := attr(opt, "value"); ok {
		return v
	}
	return strings.Join(strings.Fields(textContent(opt, nil)), " ")
}

// selectedIndex follows the select algorithm: a written selection wins, then the last
// option carrying the selected attribute, then the first enabled option of a single select.
func (d *Document) selectedIndex(sel *html.Node, opts []*html.Node) int {
	if st := d.state[sel]; st != nil && st.selectDirty {
		if st.selectedIndex >= len(opts) {
			return -1
		}
		return st.selectedIndex
	}
	idx := -1
	for i, opt := range opts {
		if _, ok := attr(opt, "selected"); ok {
			idx = i
		}
	}
	if idx >= 0 {
		return idx
	}
	if _, multi := attr(sel, "multiple"); multi {
		return -1
	}
	for i, opt := range opts {
		if _, disabled := attr(opt, "disabled"); !disabled {
			return i
		}
	}
	return -1
}

func formOwner(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if isElement(p, "form") {
			return p
		}
	}
	return nil
}
