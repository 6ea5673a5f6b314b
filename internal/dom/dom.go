// Package dom defines the slice of the browser DOM that form detection and filling need.
//
// Two backends implement it: internal/browser drives a live Chrome tab over the DevTools
// protocol, and internal/dom/htmldom keeps a mutable in-memory document parsed from HTML.
package dom

import (
	"errors"
	"sort"
	"strings"
)

// ErrDetached is returned when an element no longer belongs to its document.
var ErrDetached = errors.New("element detached from document")

// Rect is an element's border box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Event names dispatched after a value write.
const (
	EventInput  = "input"
	EventChange = "change"
	EventBlur   = "blur"
	EventKeyUp  = "keyup"
)

// Element is a handle on one live DOM element.
type Element interface {
	// Tag returns the lowercase tag name.
	Tag() string
	// Attr returns an attribute value and whether it is present.
	Attr(name string) (string, bool, error)
	// Text returns the trimmed textContent.
	Text() (string, error)
	// TextExcluding returns the trimmed textContent of a copy of the element with the first
	// descendant whose tag is in tags removed.
	TextExcluding(tags ...string) (string, error)
	// Closest returns the nearest inclusive ancestor with the given tag.
	Closest(tag string) (Element, bool, error)
	// PreviousElementSibling returns the element sibling immediately before this one.
	PreviousElementSibling() (Element, bool, error)
	// Controls returns input, textarea and select descendants in document order.
	Controls() ([]Element, error)

	// InputType returns the normalized type of an input (lowercase, "text" when missing).
	InputType() (string, error)
	Value() (string, error)
	SetValue(v string) error
	Checked() (bool, error)
	SetChecked(v bool) error
	Required() (bool, error)
	// Options returns the option values of a select element.
	Options() ([]string, error)

	// InlineStyle reads a property from the element's style attribute only.
	InlineStyle(prop string) (string, error)
	SetInlineStyle(prop, value string) error

	// Dispatch fires a bubbling, cancelable event of the given type at the element.
	Dispatch(eventType string) error
	Focus() error
	ScrollIntoView() error
	Rect() (Rect, error)
}

// Document is one page's live DOM.
type Document interface {
	URL() string
	Title() string
	Body() (Element, error)
	// Forms returns every form element in document order.
	Forms() ([]Element, error)
	// LooseControls returns input, textarea and select elements outside any form.
	LooseControls() ([]Element, error)
	// LabelFor returns the first label whose for attribute equals id.
	LabelFor(id string) (Element, bool, error)
	// Group returns every input of inputType sharing name, in document order.
	Group(name, inputType string) ([]Element, error)
	Observer
}

// ObserveOptions mirrors the MutationObserver options the detector relies on.
type ObserveOptions struct {
	ChildList       bool
	Subtree         bool
	Attributes      bool
	AttributeFilter []string
}

// Observer installs structural watches.
type Observer interface {
	// Observe calls fn once per delivered mutation batch until the subscription stops.
	// Calls are serialized.
	Observe(opts ObserveOptions, fn func(records int)) (Subscription, error)
}

// Subscription is a running watch.
type Subscription interface {
	// Stop releases the watch. It is safe to call more than once.
	Stop()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Stop() { f() }

// ParseStyle splits an inline style attribute into lowercase property names and values.
// Later declarations win, as in the browser.
func ParseStyle(style string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimSpace(strings.TrimSuffix(value, "!important"))
		out[name] = value
	}
	return out
}

// FormatStyle renders declarations back into a style attribute, keeping order for the
// names in order and appending the rest sorted.
func FormatStyle(order []string, decls map[string]string) string {
	var b strings.Builder
	seen := make(map[string]bool, len(decls))
	write := func(name string) {
		v, ok := decls[name]
		if !ok || v == "" || seen[name] {
			return
		}
		seen[name] = true
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString(";")
	}
	for _, name := range order {
		write(name)
	}
	rest := make([]string, 0, len(decls))
	for name := range decls {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		write(name)
	}
	return b.String()
}

// StyleOrder returns the property names of an inline style in declaration order.
func StyleOrder(style string) []string {
	var order []string
	seen := make(map[string]bool)
	for _, decl := range strings.Split(style, ";") {
		name, _, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}
