// Package validator compiles and caches JSON-schema validators per tool and
// validates call input and handler output against them. Input validation is
// strict and never coerces; output validation is soft and only reports
// mismatches so callers can log them.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/callkaidsroofing/gem/runtime/tool"
)

type (
	// Validator caches compiled schemas by tool name. Safe for concurrent use;
	// the cache is populated on first validation of each tool and never
	// invalidated because registry entries are immutable.
	Validator struct {
		mu      sync.RWMutex
		inputs  map[string]*jsonschema.Schema
		outputs map[string]*jsonschema.Schema
	}

	// Result reports the outcome of a validation pass.
	Result struct {
		OK     bool
		Errors []FieldError
	}

	// FieldError pinpoints a single schema violation: a JSON-pointer path into
	// the instance, the failing schema keyword, and a human message.
	FieldError struct {
		Path    string `json:"path"`
		Keyword string `json:"keyword"`
		Message string `json:"message"`
	}
)

// printer renders schema error messages in English.
var printer = message.NewPrinter(language.English)

// New constructs an empty validator cache.
func New() *Validator {
	return &Validator{
		inputs:  make(map[string]*jsonschema.Schema),
		outputs: make(map[string]*jsonschema.Schema),
	}
}

// CompileSchema compiles a JSON-schema document given as a decoded mapping.
// The document is round-tripped through JSON so YAML-decoded catalogs and
// handler-built documents compile identically. Standard string formats
// (date-time, uuid, email, uri) are asserted.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateInput validates the call input against the tool's input schema.
// The compiled schema is cached by tool name on first use.
func (v *Validator) ValidateInput(t *tool.Tool, input map[string]any) (*Result, error) {
	schema, err := v.compiled(t.Name, t.InputSchema, v.inputs)
	if err != nil {
		return nil, err
	}
	return validate(schema, input)
}

// ValidateOutput validates a successful result against the tool's output
// schema. Tools without an output schema always pass. Callers treat mismatches
// as soft: they are logged, never blocking the receipt.
func (v *Validator) ValidateOutput(t *tool.Tool, result map[string]any) (*Result, error) {
	if len(t.OutputSchema) == 0 {
		return &Result{OK: true}, nil
	}
	schema, err := v.compiled(t.Name, t.OutputSchema, v.outputs)
	if err != nil {
		return nil, err
	}
	return validate(schema, result)
}

// compiled returns the cached schema for name, compiling doc on first use.
func (v *Validator) compiled(name string, doc map[string]any, cache map[string]*jsonschema.Schema) (*jsonschema.Schema, error) {
	v.mu.RLock()
	schema, ok := cache[name]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	compiled, err := CompileSchema(doc)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}

	v.mu.Lock()
	if existing, ok := cache[name]; ok {
		compiled = existing
	} else {
		cache[name] = compiled
	}
	v.mu.Unlock()
	return compiled, nil
}

// validate round-trips the instance through JSON (so Go ints and YAML values
// validate identically to wire payloads) and flattens schema violations into
// field errors.
func validate(schema *jsonschema.Schema, instance map[string]any) (*Result, error) {
	raw, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("normalize instance: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, err
		}
		var fields []FieldError
		flatten(verr, &fields)
		return &Result{OK: false, Errors: fields}, nil
	}
	return &Result{OK: true}, nil
}

// flatten walks the validation error tree and records one FieldError per leaf
// cause. Paths are JSON pointers; the root instance is reported as "/".
func flatten(err *jsonschema.ValidationError, out *[]FieldError) {
	if len(err.Causes) == 0 {
		keyword := ""
		if kp := err.ErrorKind.KeywordPath(); len(kp) > 0 {
			keyword = kp[len(kp)-1]
		}
		*out = append(*out, FieldError{
			Path:    "/" + strings.Join(err.InstanceLocation, "/"),
			Keyword: keyword,
			Message: err.ErrorKind.LocalizedString(printer),
		})
		return
	}
	for _, cause := range err.Causes {
		flatten(cause, out)
	}
}

// ErrorDetails converts field errors into the generic detail maps carried in
// planner responses.
func (r *Result) ErrorDetails() []map[string]any {
	details := make([]map[string]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		details = append(details, map[string]any{
			"path":    e.Path,
			"keyword": e.Keyword,
			"message": e.Message,
		})
	}
	return details
}
