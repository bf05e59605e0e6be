package ops

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchema describes the ingest payload: which dataset the memories
// belong to and the items to stage. Unknown top-level keys are rejected so
// caller typos fail loudly instead of being silently ignored.
const payloadSchema = `{
	"type": "object",
	"required": ["dataset_path", "items"],
	"additionalProperties": false,
	"properties": {
		"dataset_path": {"type": "string", "minLength": 1},
		"items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["text"],
				"additionalProperties": false,
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"source": {"type": "string"},
					"timestamp": {"type": "string"}
				}
			}
		},
		"metadata": {"type": "object"}
	}
}`

// Validator checks submitted payloads against the ingest schema and the
// configured size ceiling before any entry is created.
type Validator struct {
	maxBytes int
	schema   *gojsonschema.Schema
}

// NewValidator compiles the payload schema
func NewValidator(maxBytes int) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	return &Validator{maxBytes: maxBytes, schema: schema}, nil
}

// Validate rejects oversized or malformed payloads. Size is checked first
// so a huge document is never handed to the JSON parser.
func (v *Validator) Validate(payload []byte) error {
	if v.maxBytes > 0 && len(payload) > v.maxBytes {
		return fmt.Errorf("%w: %d bytes over %d ceiling", ErrPayloadTooLarge, len(payload), v.maxBytes)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(details, "; "))
	}
	return nil
}
