package detector

import (
	"strings"

	"formnerd-mcp-server/internal/dom"
	"formnerd-mcp-server/internal/form"
)

// labelRule extracts a label candidate. matched stops the cascade even when text is empty.
type labelRule struct {
	name    string
	extract func(doc dom.Document, el dom.Element) (text string, matched bool, err error)
}

// labelRules are tried in order; the first match wins.
var labelRules = []labelRule{
	{name: "label-for", extract: labelFor},
	{name: "ancestor-label", extract: ancestorLabel},
	{name: "aria-label", extract: ariaLabel},
	{name: "sibling-label", extract: siblingLabel},
	{name: "name-or-id", extract: nameOrID},
}

func labelFor(doc dom.Document, el dom.Element) (string, bool, error) {
	id, _, err := el.Attr("id")
	if err != nil || id == "" {
		return "", false, err
	}
	label, ok, err := doc.LabelFor(id)
	if err != nil || !ok {
		return "", false, err
	}
	text, err := label.Text()
	return text, true, err
}

func ancestorLabel(_ dom.Document, el dom.Element) (string, bool, error) {
	label, ok, err := el.Closest("label")
	if err != nil || !ok {
		return "", false, err
	}
	text, err := label.TextExcluding("input", "textarea", "select")
	return text, true, err
}

func ariaLabel(_ dom.Document, el dom.Element) (string, bool, error) {
	v, _, err := el.Attr("aria-label")
	return v, v != "", err
}

func siblingLabel(_ dom.Document, el dom.Element) (string, bool, error) {
	prev, ok, err := el.PreviousElementSibling()
	if err != nil || !ok || prev.Tag() != "label" {
		return "", false, err
	}
	text, err := prev.Text()
	return text, true, err
}

func nameOrID(_ dom.Document, el dom.Element) (string, bool, error) {
	v, err := nameAttr(el)
	return v, v != "", err
}

// nameAttr is the name attribute, else the id, else empty.
func nameAttr(el dom.Element) (string, error) {
	name, _, err := el.Attr("name")
	if err != nil {
		return "", err
	}
	if name != "" {
		return name, nil
	}
	id, _, err := el.Attr("id")
	return id, err
}

func resolveLabel(doc dom.Document, el dom.Element) (*string, error) {
	for _, rule := range labelRules {
		text, matched, err := rule.extract(doc, el)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		if text == "" {
			return nil, nil
		}
		return &text, nil
	}
	return nil, nil
}

// control is what kind resolution looks at.
type control struct {
	tag     string
	rawType string
}

type kindRule struct {
	name    string
	resolve func(c control) (form.Kind, bool)
}

var nativeKinds = map[string]form.Kind{
	"text":           form.KindText,
	"email":          form.KindEmail,
	"password":       form.KindPassword,
	"tel":            form.KindTel,
	"url":            form.KindURL,
	"number":         form.KindNumber,
	"date":           form.KindDate,
	"datetime-local": form.KindDatetime,
	"datetime":       form.KindDatetime,
	"time":           form.KindTime,
	"radio":          form.KindRadio,
	"checkbox":       form.KindCheckbox,
	"file":           form.KindFile,
	"hidden":         form.KindHidden,
}

var kindRules = []kindRule{
	{name: "textarea", resolve: func(c control) (form.Kind, bool) { return form.KindTextarea, c.tag == "textarea" }},
	{name: "select", resolve: func(c control) (form.Kind, bool) { return form.KindSelect, c.tag == "select" }},
	{name: "native", resolve: func(c control) (form.Kind, bool) {
		k, ok := nativeKinds[c.rawType]
		return k, ok
	}},
}

func resolveKind(c control) form.Kind {
	for _, rule := range kindRules {
		if k, ok := rule.resolve(c); ok {
			return k
		}
	}
	return form.KindText
}

// skippedTypes are input types that are buttons rather than fields.
var skippedTypes = map[string]bool{"submit": true, "button": true, "image": true}

func rawType(el dom.Element) (string, error) {
	if el.Tag() != "input" {
		return "", nil
	}
	v, ok, err := el.Attr("type")
	if err != nil {
		return "", err
	}
	if !ok {
		return "text", nil
	}
	return strings.ToLower(strings.TrimSpace(v)), nil
}
