// Package schema wraps github.com/santhosh-tekuri/jsonschema/v6 for the
// two places the core validates untrusted JSON against a declared shape:
// pipeline stage 3 (tool arguments) and the Event Dispatcher (event
// payloads). Grounded on goadesign-goa-ai's registry/service.go, which
// compiles an ad-hoc in-memory schema resource the same way on every call.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is the first failing field path and the underlying
// validator message, matching spec §4.8 stage 3's "report the first
// failing field path".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate compiles schemaBytes and checks docBytes against it. Every
// caller compiles a fresh schema per call; tool schemas are small and
// stage 3 runs only on the request path, not a hot inner loop.
func Validate(schemaBytes, docBytes []byte) error {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("schema: unmarshal schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(docBytes, &doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("malformed json: %v", err)}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema: compile: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return &ValidationError{Field: firstFailingField(err), Message: err.Error()}
	}
	return nil
}

// firstFailingField best-effort extracts a JSON-pointer-like path from a
// jsonschema validation error for the ErrorPayload.Field hint. The
// library's error tree nests causes arbitrarily deep; walking to the
// first leaf gives the most specific field, matching spec §4.8 stage 3's
// "report the first failing field path".
func firstFailingField(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ""
	}
	for len(ve.Causes) > 0 {
		next, ok := ve.Causes[0].(*jsonschema.ValidationError)
		if !ok {
			break
		}
		ve = next
	}
	loc := ve.InstanceLocation
	if len(loc) == 0 {
		return ""
	}
	field := ""
	for _, tok := range loc {
		field += "/" + tok
	}
	return field
}
