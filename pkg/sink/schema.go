package sink

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recordSchemaURL = "https://github.com/dkoosis/testseq/schema/record.schema.json"

//go:embed schema/record.schema.json
var recordSchema []byte

// RecordSchema returns the JSON schema NDJSON records conform to.
func RecordSchema() []byte {
	return append([]byte(nil), recordSchema...)
}

// SchemaValidator checks raw NDJSON lines against the record schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded record schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(recordSchemaURL, bytes.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks one line.
func (v *SchemaValidator) Validate(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return v.schema.Validate(payload)
}
