// Package registry loads and validates the declarative tool catalog. The
// catalog is read once at startup; the resulting Registry is a read-only
// lookup for the lifetime of the process. Any catalog violation fails the
// load loudly so misconfigured deployments never start.
package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/callkaidsroofing/gem/runtime/tool"
	"github.com/callkaidsroofing/gem/runtime/validator"
)

// ErrInvalidRegistry marks catalog load failures. Errors wrap it so callers
// can classify startup failures with errors.Is.
var ErrInvalidRegistry = errors.New("invalid_registry")

type (
	// Catalog mirrors the declarative catalog document.
	Catalog struct {
		Version string       `yaml:"version"`
		Tools   []*tool.Tool `yaml:"tools"`
	}

	// Registry is the immutable tool catalog loaded at startup.
	Registry struct {
		version string
		byName  map[string]*tool.Tool
		ordered []*tool.Tool
	}
)

// Load reads and validates the catalog file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %q: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Registry, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrInvalidRegistry, err)
	}
	return New(catalog)
}

// New validates the catalog entries and builds the read-only lookup. Rejected
// at load time: duplicate names, malformed names, keyed mode without key_field,
// key_field absent from the input schema's required list, invalid JSON
// schemas, and negative timeouts.
func New(catalog Catalog) (*Registry, error) {
	r := &Registry{
		version: catalog.Version,
		byName:  make(map[string]*tool.Tool, len(catalog.Tools)),
		ordered: make([]*tool.Tool, 0, len(catalog.Tools)),
	}
	for _, t := range catalog.Tools {
		if t == nil {
			return nil, fmt.Errorf("%w: nil tool entry", ErrInvalidRegistry)
		}
		if err := validateTool(t); err != nil {
			return nil, err
		}
		if _, exists := r.byName[t.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate tool name %q", ErrInvalidRegistry, t.Name)
		}
		r.byName[t.Name] = t
		r.ordered = append(r.ordered, t)
	}
	return r, nil
}

func validateTool(t *tool.Tool) error {
	if err := tool.ValidateName(t.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if t.TimeoutMS < 0 {
		return fmt.Errorf("%w: tool %q: timeout_ms must not be negative, got %d", ErrInvalidRegistry, t.Name, t.TimeoutMS)
	}
	if t.InputSchema == nil {
		return fmt.Errorf("%w: tool %q: input_schema is required", ErrInvalidRegistry, t.Name)
	}
	if _, err := validator.CompileSchema(t.InputSchema); err != nil {
		return fmt.Errorf("%w: tool %q: input_schema: %v", ErrInvalidRegistry, t.Name, err)
	}
	if t.OutputSchema != nil {
		if _, err := validator.CompileSchema(t.OutputSchema); err != nil {
			return fmt.Errorf("%w: tool %q: output_schema: %v", ErrInvalidRegistry, t.Name, err)
		}
	}

	switch t.Idempotency.Mode {
	case "", tool.IdempotencyNone:
		// Empty mode defaults to none at load time so catalogs can omit the block.
		t.Idempotency.Mode = tool.IdempotencyNone
	case tool.IdempotencySafeRetry:
	case tool.IdempotencyKeyed:
		if t.Idempotency.KeyField == "" {
			return fmt.Errorf("%w: tool %q: idempotency mode keyed requires key_field", ErrInvalidRegistry, t.Name)
		}
		if !slices.Contains(t.RequiredInputFields(), t.Idempotency.KeyField) {
			return fmt.Errorf("%w: tool %q: key_field %q must appear in input_schema.required", ErrInvalidRegistry, t.Name, t.Idempotency.KeyField)
		}
	default:
		return fmt.Errorf("%w: tool %q: unknown idempotency mode %q", ErrInvalidRegistry, t.Name, t.Idempotency.Mode)
	}
	return nil
}

// Version returns the catalog version string.
func (r *Registry) Version() string { return r.version }

// Get returns the named tool.
func (r *Registry) Get(name string) (*tool.Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns the tools in catalog order. The returned slice is shared; do
// not mutate it.
func (r *Registry) All() []*tool.Tool { return r.ordered }

// Len returns the number of loaded tools.
func (r *Registry) Len() int { return len(r.ordered) }
