// Package schema checks map documents against the structural schema of
// the .bsmap format before they are loaded.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed bsmap.schema.json
var source []byte

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("schema: document does not match the map schema")

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bsmap.schema.json", bytes.NewReader(source)); err != nil {
		return nil, err
	}
	return c.Compile("bsmap.schema.json")
})

// Validate checks a raw map document. Whitespace-only input is an empty
// map and is valid.
func Validate(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("schema: parse: %w", err)
	}
	return ValidateValue(v)
}

// ValidateValue checks an already decoded document.
func ValidateValue(v any) error {
	s, err := compiled()
	if err != nil {
		return fmt.Errorf("schema: compile: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Source returns the schema document.
func Source() []byte { return append([]byte(nil), source...) }
