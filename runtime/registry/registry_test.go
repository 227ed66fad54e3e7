package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/gem/runtime/tool"
)

const validCatalog = `
version: "1"
tools:
  - name: leads.create
    description: Capture a lead.
    permissions: [leads.write]
    idempotency:
      mode: keyed
      key_field: phone
    timeout_ms: 10000
    receipt_fields: [lead_id]
    input_schema:
      type: object
      required: [phone]
      properties:
        phone:
          type: string
  - name: os.create_note
    description: Store a note.
    input_schema:
      type: object
      required: [title, content]
      properties:
        title:
          type: string
        content:
          type: string
`

func TestParseValidCatalog(t *testing.T) {
	reg, err := Parse([]byte(validCatalog))
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	lead, ok := reg.Get("leads.create")
	require.True(t, ok)
	assert.Equal(t, tool.IdempotencyKeyed, lead.Idempotency.Mode)
	assert.Equal(t, "phone", lead.Idempotency.KeyField)
	assert.Equal(t, []string{"lead_id"}, lead.ReceiptFields)

	note, ok := reg.Get("os.create_note")
	require.True(t, ok)
	// Omitted idempotency defaults to none.
	assert.Equal(t, tool.IdempotencyNone, note.Idempotency.Mode)

	_, ok = reg.Get("unknown.tool")
	assert.False(t, ok)
}

func TestKeyedWithoutKeyFieldFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name: "leads.create",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"phone"},
		},
		Idempotency: tool.Idempotency{Mode: tool.IdempotencyKeyed},
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
	assert.Contains(t, err.Error(), "leads.create")
	assert.Contains(t, err.Error(), "key_field")
}

func TestKeyFieldNotRequiredFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name: "leads.create",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
		},
		Idempotency: tool.Idempotency{Mode: tool.IdempotencyKeyed, KeyField: "phone"},
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
	assert.Contains(t, err.Error(), `key_field "phone"`)
}

func TestDuplicateNamesFailLoad(t *testing.T) {
	entry := func() *tool.Tool {
		return &tool.Tool{
			Name:        "os.create_note",
			InputSchema: map[string]any{"type": "object"},
		}
	}
	_, err := New(Catalog{Tools: []*tool.Tool{entry(), entry()}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNegativeTimeoutFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name:        "os.create_note",
		InputSchema: map[string]any{"type": "object"},
		TimeoutMS:   -1,
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}

func TestInvalidSchemaFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name: "os.create_note",
		InputSchema: map[string]any{
			"type": 12345,
		},
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}

func TestUnknownIdempotencyModeFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name:        "os.create_note",
		InputSchema: map[string]any{"type": "object"},
		Idempotency: tool.Idempotency{Mode: "sometimes"},
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}

func TestMalformedNameFailsLoad(t *testing.T) {
	_, err := New(Catalog{Tools: []*tool.Tool{{
		Name:        "CreateNote",
		InputSchema: map[string]any{"type": "object"},
	}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}
