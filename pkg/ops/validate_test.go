package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAcceptsWellFormedPayload(t *testing.T) {
	v, err := NewValidator(1024)
	require.NoError(t, err)

	payloads := []string{
		`{"dataset_path":"/ws/notes","items":[{"text":"remember this"}]}`,
		`{"dataset_path":"/ws/notes","items":[{"text":"a","source":"chat","timestamp":"2026-08-24T10:00:00Z"}],"metadata":{"session":"abc"}}`,
	}
	for _, p := range payloads {
		assert.NoError(t, v.Validate([]byte(p)))
	}
}

func TestValidatorRejectsMalformedPayload(t *testing.T) {
	v, err := NewValidator(1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `nope`},
		{name: "missing dataset_path", payload: `{"items":[{"text":"a"}]}`},
		{name: "empty dataset_path", payload: `{"dataset_path":"","items":[{"text":"a"}]}`},
		{name: "missing items", payload: `{"dataset_path":"/ws"}`},
		{name: "empty items", payload: `{"dataset_path":"/ws","items":[]}`},
		{name: "item without text", payload: `{"dataset_path":"/ws","items":[{"source":"chat"}]}`},
		{name: "unknown top-level key", payload: `{"dataset_path":"/ws","items":[{"text":"a"}],"extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Validate([]byte(tt.payload)), ErrInvalidPayload)
		})
	}
}

func TestValidatorSizeCeiling(t *testing.T) {
	v, err := NewValidator(32)
	require.NoError(t, err)

	err = v.Validate([]byte(`{"dataset_path":"/ws/notes","items":[{"text":"way past the ceiling"}]}`))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
