package form

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindEnumerable(t *testing.T) {
	for _, k := range []Kind{KindSelect, KindRadio, KindCheckbox} {
		assert.True(t, k.Enumerable(), string(k))
	}
	for _, k := range []Kind{KindText, KindTextarea, KindFile, KindHidden} {
		assert.False(t, k.Enumerable(), string(k))
	}
}

func TestContextJSONShape(t *testing.T) {
	label := "Email"
	ctx := NewContext("https://example.test", "Example", []Form{{
		ID: "form-0",
		Fields: []Field{{
			ID:     "form-0-field-0",
			Kind:   KindEmail,
			Name:   "email",
			Label:  &label,
			FormID: "form-0",
		}},
	}})

	raw, err := json.Marshal(ctx)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	forms := decoded["forms"].([]interface{})
	field := forms[0].(map[string]interface{})["fields"].([]interface{})[0].(map[string]interface{})

	assert.Equal(t, "email", field["type"])
	assert.Equal(t, "Email", field["label"])
	assert.Nil(t, field["placeholder"], "absent placeholder serializes as null")
	assert.NotContains(t, field, "Element")
	assert.NotContains(t, field, "options")
	assert.Nil(t, forms[0].(map[string]interface{})["action"])
}

func TestNewContext(t *testing.T) {
	before := time.Now().UnixMilli()
	ctx := NewContext("about:blank", "", nil)

	assert.NotNil(t, ctx.Forms)
	assert.Zero(t, ctx.FieldCount())
	assert.GreaterOrEqual(t, ctx.Timestamp, before)
}

func TestFillResultWireNames(t *testing.T) {
	raw, err := json.Marshal(FillResult{Success: 2, Failed: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":2,"failed":1}`, string(raw))
}
