package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the structural contract for incoming emits. Validation
// is fail-closed: anything that does not match is rejected before any
// policy or cryptographic work is spent on it.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["producer", "subject", "payload", "ts", "sig"],
	"properties": {
		"producer": {"type": "string", "minLength": 1},
		"subject":  {"type": "string", "minLength": 1},
		"payload":  {"type": "string"},
		"ts":       {"type": "string", "format": "date-time"},
		"labels":   {"type": "array", "items": {"type": "string"}},
		"meta":     {"type": "object"},
		"sig":      {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	const url = "https://aegnix.schemas.local/envelope.schema.json"
	if err := c.AddResource(url, strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("envelope schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("envelope schema compile: %v", err))
	}
	return s
}

// Parse validates raw JSON against the envelope schema and decodes it.
// The returned error is safe to surface to the caller verbatim.
func Parse(raw []byte) (*Envelope, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
