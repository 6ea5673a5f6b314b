// Package htmldom is an in-memory, mutable dom.Document parsed from HTML.
//
// It behaves like a browser document for the parts form detection and filling touch:
// control properties (value, checked, selection) live apart from attributes once written,
// structural and attribute changes are reported to observers in batches, and dispatched
// events reach registered listeners. It has no layout engine, so every Rect is zero.
package htmldom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"formnerd-mcp-server/internal/dom"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	controlsXPath      = ".//*[self::input or self::textarea or self::select]"
	looseControlsXPath = "//*[self::input or self::textarea or self::select][not(ancestor::form)]"
)

// Document is a parsed page. It is safe for concurrent use.
type Document struct {
	mu   sync.Mutex
	url  string
	root *html.Node

	state map[*html.Node]*nodeState

	focused  *html.Node
	scrolled *html.Node

	events    []Event
	listeners map[int]func(Event)
	nextLis   int

	observers map[int]*observer
	nextObs   int
}

// nodeState carries the properties a browser keeps separately from attributes.
type nodeState struct {
	value      string
	valueDirty bool

	checked      bool
	checkedDirty bool

	selectedIndex int
	selectDirty   bool
}

// Option configures a Document.
type Option func(*Document)

// WithURL sets the document URL reported by URL().
func WithURL(u string) Option {
	return func(d *Document) { d.url = u }
}

// Parse reads an HTML page.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{
		url:       "about:blank",
		root:      root,
		state:     make(map[*html.Node]*nodeState),
		listeners: make(map[int]func(Event)),
		observers: make(map[int]*observer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// MustParse is ParseString that panics on error, for fixtures.
func MustParse(s string, opts ...Option) *Document {
	d, err := ParseString(s, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Document) wrap(n *html.Node) *Element {
	if n == nil {
		return nil
	}
	return &Element{doc: d, node: n}
}

func (d *Document) wrapAll(nodes []*html.Node) []dom.Element {
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrap(n))
	}
	return out
}

func (d *Document) stateOf(n *html.Node) *nodeState {
	st, ok := d.state[n]
	if !ok {
		st = &nodeState{selectedIndex: -1}
		d.state[n] = st
	}
	return st
}

// attached reports whether n is still part of the document tree.
func (d *Document) attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// URL returns the document URL.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Title returns the collapsed text of the first title element.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := htmlquery.FindOne(d.root, "//title")
	if n == nil {
		return ""
	}
	return strings.Join(strings.Fields(textContent(n, nil)), " ")
}

// Body returns the body element.
func (d *Document) Body() (dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := htmlquery.FindOne(d.root, "//body")
	if n == nil {
		return nil, fmt.Errorf("document has no body")
	}
	return d.wrap(n), nil
}

// Forms returns every form element in document order.
func (d *Document) Forms() ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, err := htmlquery.QueryAll(d.root, "//form")
	if err != nil {
		return nil, err
	}
	return d.wrapAll(nodes), nil
}

// LooseControls returns controls outside any form, in document order.
func (d *Document) LooseControls() ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, err := htmlquery.QueryAll(d.root, looseControlsXPath)
	if err != nil {
		return nil, err
	}
	return d.wrapAll(nodes), nil
}

// LabelFor returns the first label whose for attribute equals id.
func (d *Document) LabelFor(id string) (dom.Element, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, err := htmlquery.QueryAll(d.root, "//label[@for]")
	if err != nil {
		return nil, false, err
	}
	for _, n := range nodes {
		if v, _ := attr(n, "for"); v == id {
			return d.wrap(n), true, nil
		}
	}
	return nil, false, nil
}

// Group returns inputs of inputType sharing name, in document order.
func (d *Document) Group(name, inputType string) ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrapAll(d.group(name, inputType)), nil
}

func (d *Document) group(name, inputType string) []*html.Node {
	var out []*html.Node
	for _, n := range htmlquery.Find(d.root, "//input[@name]") {
		if v, _ := attr(n, "name"); v != name {
			continue
		}
		if inputTypeOf(n) != inputType {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Query returns the elements matching an XPath expression.
func (d *Document) Query(xpath string) ([]*Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, err := htmlquery.QueryAll(d.root, xpath)
	if err != nil {
		return nil, err
	}
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrap(n))
	}
	return out, nil
}

// QueryOne returns the first element matching an XPath expression.
func (d *Document) QueryOne(xpath string) (*Element, bool) {
	els, err := d.Query(xpath)
	if err != nil || len(els) == 0 {
		return nil, false
	}
	return els[0], true
}

// ByID returns the first element with the given id attribute.
func (d *Document) ByID(id string) (*Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range htmlquery.Find(d.root, "//*[@id]") {
		if v, _ := attr(n, "id"); v == id {
			return d.wrap(n), true
		}
	}
	return nil, false
}

// ActiveElement returns the element last focused, if still attached.
func (d *Document) ActiveElement() (*Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.focused == nil || !d.attached(d.focused) {
		return nil, false
	}
	return d.wrap(d.focused), true
}

// ScrolledTo returns the element last scrolled into view.
func (d *Document) ScrolledTo() (*Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scrolled == nil {
		return nil, false
	}
	return d.wrap(d.scrolled), true
}

// HTML renders the current tree (attributes, not live properties).
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	_ = html.Render(&b, d.root)
	return b.String()
}

// Close stops every observer.
func (d *Document) Close() {
	d.mu.Lock()
	obs := make([]*observer, 0, len(d.observers))
	for _, o := range d.observers {
		obs = append(obs, o)
	}
	d.mu.Unlock()
	for _, o := range obs {
		o.Stop()
	}
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func isElement(n *html.Node, tags ...string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if n.Data == t {
			return true
		}
	}
	return false
}

// textContent concatenates descendant text, skipping the subtree rooted at skip.
func textContent(n *html.Node, skip *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c == skip {
			return
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			return
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// firstDescendant returns the first element below n (document order) with one of tags.
func firstDescendant(n *html.Node, tags ...string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isElement(c, tags...) {
			return c
		}
		if found := firstDescendant(c, tags...); found != nil {
			return found
		}
	}
	return nil
}

var knownInputTypes = map[string]bool{
	"button": true, "checkbox": true, "color": true, "date": true, "datetime-local": true,
	"email": true, "file": true, "hidden": true, "image": true, "month": true, "number": true,
	"password": true, "radio": true, "range": true, "reset": true, "search": true,
	"submit": true, "tel": true, "text": true, "time": true, "url": true, "week": true,
}

// inputTypeOf mirrors HTMLInputElement.type: lowercase, unknown or missing means text.
func inputTypeOf(n *html.Node) string {
	raw, ok := attr(n, "type")
	if !ok {
		return "text"
	}
	t := strings.ToLower(strings.TrimSpace(raw))
	if !knownInputTypes[t] {
		return "text"
	}
	return t
}
