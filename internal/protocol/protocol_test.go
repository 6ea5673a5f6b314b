package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"formnerd-mcp-server/internal/detector"
	"formnerd-mcp-server/internal/dom/htmldom"
	"formnerd-mcp-server/internal/form"
	"formnerd-mcp-server/internal/manipulator"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signupPage = `<html><head><title>Sign up</title></head><body>
<form action="/join" method="post">
  <label for="user">User</label><input id="user" name="user" required>
  <input id="mail" name="mail" type="email">
  <input type="submit" value="Join">
</form>
</body></html>`

func newHandler(t *testing.T, opts ...Option) (*Handler, *htmldom.Document) {
	t.Helper()
	doc, err := htmldom.ParseString(signupPage, htmldom.WithURL("https://example.test/join"))
	require.NoError(t, err)
	det := detector.New(doc, nil)
	_, err = det.DetectForms()
	require.NoError(t, err)
	m := manipulator.New(doc, det, nil, manipulator.Options{DisableHighlight: true, HighlightHold: 5 * time.Millisecond})
	t.Cleanup(func() {
		m.Wait()
		det.Destroy()
		doc.Close()
	})
	return NewHandler(det, m, nil, opts...), doc
}

func TestHandleFormContext(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Handle(context.Background(), Message{Type: GetFormContext, ID: "req-1"})

	require.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.ID)
	ctx, ok := resp.Data.(form.Context)
	require.True(t, ok)
	assert.Equal(t, "Sign up", ctx.Title)
	assert.Equal(t, "https://example.test/join", ctx.URL)
	require.Len(t, ctx.Forms, 1)
	assert.Len(t, ctx.Forms[0].Fields, 2)
}

func TestHandleGeneratesID(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Handle(context.Background(), Message{Type: ReadAllFields})
	_, err := uuid.Parse(resp.ID)
	assert.NoError(t, err)
}

func TestHandleFillAndRead(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	resp := h.Handle(ctx, Message{Type: FillFields, ID: "f", Strategies: []form.FillStrategy{
		{FieldID: "form-0-field-0", Value: "ada", Confidence: 0.9},
		{FieldID: "form-0-field-9", Value: "nope", Confidence: 0.1},
	}})
	require.True(t, resp.Success)
	assert.Equal(t, form.FillResult{Success: 1, Failed: 1}, resp.Data)

	resp = h.Handle(ctx, Message{Type: ReadAllFields})
	assert.Equal(t, map[string]string{"form-0-field-0": "ada", "form-0-field-1": ""}, resp.Data)
}

func TestHandleClearField(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	resp := h.Handle(ctx, Message{Type: ClearField, FieldID: "form-0-field-1"})
	assert.True(t, resp.Success)
	assert.Equal(t, true, resp.Data)

	// success mirrors the boolean result.
	resp = h.Handle(ctx, Message{Type: ClearField, FieldID: "missing"})
	assert.False(t, resp.Success)
	assert.Equal(t, false, resp.Data)
	assert.Empty(t, resp.Error)
}

func TestHandleClearFormAndFocus(t *testing.T) {
	h, doc := newHandler(t)
	ctx := context.Background()

	h.Handle(ctx, Message{Type: FillFields, Strategies: []form.FillStrategy{{FieldID: "form-0-field-0", Value: "x"}}})
	resp := h.Handle(ctx, Message{Type: ClearForm, FormID: "form-0"})
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	user, ok := doc.ByID("user")
	require.True(t, ok)
	v, err := user.Value()
	require.NoError(t, err)
	assert.Empty(t, v)

	resp = h.Handle(ctx, Message{Type: FocusField, FieldID: "form-0-field-1"})
	assert.True(t, resp.Success)
	active, ok := doc.ActiveElement()
	require.True(t, ok)
	mail, _ := doc.ByID("mail")
	assert.True(t, active.Same(mail))

	// Unknown ids are still a successful no-op.
	assert.True(t, h.Handle(ctx, Message{Type: ClearForm, FormID: "form-7"}).Success)
	assert.True(t, h.Handle(ctx, Message{Type: FocusField, FieldID: "nope"}).Success)
}

func TestHandleValidate(t *testing.T) {
	var seen []string
	h, _ := newHandler(t, WithValidationHook(func(id string, res form.ValidationResult) {
		seen = append(seen, id+":"+res.Error)
	}))
	ctx := context.Background()

	resp := h.Handle(ctx, Message{Type: ValidateField, FieldID: "form-0-field-0"})
	require.True(t, resp.Success)
	assert.Equal(t, form.Invalid("This field is required"), resp.Data)

	h.Handle(ctx, Message{Type: FillFields, Strategies: []form.FillStrategy{{FieldID: "form-0-field-1", Value: "not-an-email"}}})
	resp = h.Handle(ctx, Message{Type: ValidateField, FieldID: "form-0-field-1"})
	assert.Equal(t, form.Invalid("Invalid email address"), resp.Data)

	assert.Equal(t, []string{"form-0-field-0:This field is required", "form-0-field-1:Invalid email address"}, seen)
}

func TestHandleDetectAndHighlight(t *testing.T) {
	h, doc := newHandler(t)
	ctx := context.Background()

	mail, ok := doc.ByID("mail")
	require.True(t, ok)
	mail.Remove()
	resp := h.Handle(ctx, Message{Type: DetectForms})
	require.True(t, resp.Success)
	forms := resp.Data.([]form.Form)
	require.Len(t, forms, 1)
	assert.Len(t, forms[0].Fields, 1)

	assert.True(t, h.Handle(ctx, Message{Type: HighlightField, FieldID: "form-0-field-0"}).Success)
	resp = h.Handle(ctx, Message{Type: HighlightField, FieldID: "form-0-field-1"})
	assert.False(t, resp.Success)
}

func TestHandleUnknownType(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Handle(context.Background(), Message{Type: "SUBMIT_FORM", ID: "u"})
	assert.Equal(t, Response{ID: "u", Success: false, Error: "Unknown message type"}, resp)
}

type panicky struct{ Manipulator }

func (panicky) ReadAllFields() map[string]string { panic("boom") }

func TestHandleRecoversPanics(t *testing.T) {
	h, _ := newHandler(t)
	h.manipulator = panicky{h.manipulator}

	resp := h.Handle(context.Background(), Message{Type: ReadAllFields, ID: "p"})
	assert.Equal(t, "p", resp.ID)
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Error)
}

func TestHandleTraces(t *testing.T) {
	var got []Response
	h, _ := newHandler(t, WithTracer(TracerFunc(func(msg Message, resp Response, took time.Duration) {
		assert.Equal(t, msg.ID, resp.ID)
		assert.GreaterOrEqual(t, took, time.Duration(0))
		got = append(got, resp)
	})), WithTracer(nil))

	h.Handle(context.Background(), Message{Type: GetFormContext})
	h.Handle(context.Background(), Message{Type: "BOGUS"})
	require.Len(t, got, 2)
	assert.True(t, got[0].Success)
	assert.False(t, got[1].Success)
}

func TestDecodeEncode(t *testing.T) {
	msg, err := Decode(strings.NewReader(`{"type":"FILL_FIELDS","id":"x","strategies":[{"fieldId":"a","value":"b","confidence":0.5}]}`))
	require.NoError(t, err)
	assert.Equal(t, FillFields, msg.Type)
	assert.Equal(t, []form.FillStrategy{{FieldID: "a", Value: "b", Confidence: 0.5}}, msg.Strategies)

	_, err = DecodeBytes([]byte(`{"type":`))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Response{ID: "x", Success: true, Data: form.FillResult{Success: 2}}))
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, map[string]interface{}{
		"id":      "x",
		"success": true,
		"data":    map[string]interface{}{"success": float64(2), "failed": float64(0)},
	}, raw)

	buf.Reset()
	require.NoError(t, Encode(&buf, Response{ID: "y", Error: "Unknown message type"}))
	assert.JSONEq(t, `{"id":"y","success":false,"error":"Unknown message type"}`, buf.String())
}
