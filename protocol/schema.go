package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema document. The zero value is not usable;
// construct one with NewSchema, MustSchema or SchemaFor, or decode it from
// JSON.
type Schema struct {
	raw      json.RawMessage
	compiled *gojsonschema.Schema
}

// EmptyObject accepts only an object without properties. It is the implied
// parameter schema of methods that declare none.
var EmptyObject = MustSchema(`{"type":"object","additionalProperties":false}`)

// NewSchema compiles a raw JSON Schema document.
func NewSchema(raw json.RawMessage) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return &Schema{raw: cp, compiled: compiled}, nil
}

// MustSchema is like NewSchema but panics on error. It is intended for
// package-level schema literals.
func MustSchema(raw string) *Schema {
	s, err := NewSchema(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaFor reflects a schema from the Go type T using its json and
// jsonschema struct tags. Unknown properties are rejected.
func SchemaFor[T any]() *Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(T))
	// gojsonschema only understands drafts up to 7; the reflected document is
	// draft agnostic once the meta-schema pointer is dropped.
	s.Version = ""
	s.ID = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Errorf("marshal reflected schema: %w", err))
	}
	out, err := NewSchema(b)
	if err != nil {
		panic(err)
	}
	return out
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// MarshalJSON implements json.Marshaler.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil || len(s.raw) == 0 {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler by compiling the document.
func (s *Schema) UnmarshalJSON(data []byte) error {
	compiled, err := NewSchema(data)
	if err != nil {
		return err
	}
	*s = *compiled
	return nil
}

// Check validates value against schema and reports a human readable
// diagnostic on failure. A json.RawMessage or []byte value is validated as
// encoded JSON; anything else is validated as a Go value. A nil schema never
// matches: a value was produced where none was declared.
func Check(schema *Schema, value any) (bool, string) {
	if schema == nil || schema.compiled == nil {
		return false, "no schema declared for value"
	}

	var loader gojsonschema.JSONLoader
	switch v := value.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		loader = gojsonschema.NewBytesLoader(v)
	case []byte:
		if len(v) == 0 {
			v = []byte("null")
		}
		loader = gojsonschema.NewBytesLoader(v)
	default:
		loader = gojsonschema.NewGoLoader(v)
	}

	res, err := schema.compiled.Validate(loader)
	if err != nil {
		return false, err.Error()
	}
	if res.Valid() {
		return true, ""
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return false, strings.Join(msgs, "\n")
}
