// Package schema validates JSON documents against collection schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidSchema is returned when a schema cannot be compiled.
var ErrInvalidSchema = errors.New("invalid json schema")

// ValidationError lists why a document does not match its schema.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "document does not match schema: " + strings.Join(e.Errors, "; ")
}

// maxCached bounds the compiled schema cache.
const maxCached = 256

// Validator compiles schemas once and reuses them.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*gojsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*gojsonschema.Schema)}
}

// Check verifies that raw is a JSON object that compiles as a JSON Schema.
func (v *Validator) Check(raw []byte) error {
	_, err := v.compile(raw)
	return err
}

// Validate checks doc against schema. Schema compilation failures wrap
// ErrInvalidSchema; mismatches return *ValidationError.
func (v *Validator) Validate(schema, doc []byte) error {
	s, err := v.compile(schema)
	if err != nil {
		return err
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	if res.Valid() {
		return nil
	}
	ve := &ValidationError{}
	for _, re := range res.Errors() {
		ve.Errors = append(ve.Errors, re.String())
	}
	return ve
}

func (v *Validator) compile(raw []byte) (*gojsonschema.Schema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: schema must be a JSON object", ErrInvalidSchema)
	}
	key := string(trimmed)

	v.mu.Lock()
	s, ok := v.cache[key]
	v.mu.Unlock()
	if ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: schema is not valid JSON", ErrInvalidSchema)
	}
	if err := checkRefs(doc); err != nil {
		return nil, err
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		// loader messages can quote referenced content, so they stay out
		// of the returned error
		return nil, fmt.Errorf("%w: schema does not compile", ErrInvalidSchema)
	}

	v.mu.Lock()
	if len(v.cache) >= maxCached {
		v.cache = make(map[string]*gojsonschema.Schema)
	}
	v.cache[key] = s
	v.mu.Unlock()
	return s, nil
}

// keywords whose values are instance data, not subschemas
var dataKeywords = map[string]bool{"default": true, "enum": true, "const": true, "examples": true}

// checkRefs only allows references into the schema itself. A remote or
// file reference would make the loader fetch it.
func checkRefs(node any) error {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if dataKeywords[k] {
				continue
			}
			if ref, ok := v.(string); ok && (k == "$ref" || k == "$id" || k == "id") && !strings.HasPrefix(ref, "#") {
				return fmt.Errorf("%w: %s %q must be a same-document reference", ErrInvalidSchema, k, ref)
			}
			if err := checkRefs(v); err != nil {
				return err
			}
		}
	case []any:
		for _, v := range n {
			if err := checkRefs(v); err != nil {
				return err
			}
		}
	}
	return nil
}
