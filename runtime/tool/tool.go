// Package tool defines the declarative tool contract that drives the platform:
// dotted identifiers, input/output schemas, idempotency modes, permissions, and
// timeouts. Tools are immutable once loaded into a registry.
package tool

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// IdempotencyMode governs when a prior result is returned instead of
// re-executing a tool.
type IdempotencyMode string

const (
	// IdempotencyNone always executes the handler.
	IdempotencyNone IdempotencyMode = "none"
	// IdempotencySafeRetry returns a prior successful receipt for the same call
	// or the same caller-supplied idempotency key.
	IdempotencySafeRetry IdempotencyMode = "safe-retry"
	// IdempotencyKeyed derives a stable key from a declared input field and
	// returns the most recent successful receipt sharing that key.
	IdempotencyKeyed IdempotencyMode = "keyed"
)

// DefaultTimeout bounds handler execution when a tool does not declare its own
// timeout_ms.
const DefaultTimeout = 30 * time.Second

type (
	// Idempotency declares how repeated executions of a tool are resolved.
	// KeyField is required iff Mode is IdempotencyKeyed.
	Idempotency struct {
		Mode     IdempotencyMode `yaml:"mode" json:"mode"`
		KeyField string          `yaml:"key_field" json:"key_field,omitempty"`
	}

	// Tool is a single registry entry. Instances are read-only after the
	// registry loads them; nothing in the platform mutates a Tool at runtime.
	Tool struct {
		// Name is the dotted identifier, e.g. "leads.create" or
		// "integrations.highlevel.sync_contacts". All segments are lowercase
		// snake case; the first segment selects the handler module.
		Name string `yaml:"name" json:"name"`
		// Description explains what the tool does.
		Description string `yaml:"description" json:"description"`
		// Permissions lists the capability strings a caller must hold.
		// Authorization itself is a collaborator concern.
		Permissions []string `yaml:"permissions" json:"permissions,omitempty"`
		// InputSchema is the JSON-schema document validated against call input.
		InputSchema map[string]any `yaml:"input_schema" json:"input_schema"`
		// OutputSchema is the JSON-schema document soft-validated against
		// successful results.
		OutputSchema map[string]any `yaml:"output_schema" json:"output_schema,omitempty"`
		// Idempotency declares the execution mode.
		Idempotency Idempotency `yaml:"idempotency" json:"idempotency"`
		// TimeoutMS bounds handler execution in milliseconds. Zero means the
		// default; negative values are rejected at load time.
		TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
		// ReceiptFields lists dotted result paths that must resolve to defined,
		// non-null values on every succeeded receipt.
		ReceiptFields []string `yaml:"receipt_fields" json:"receipt_fields,omitempty"`
	}
)

// nameRE matches dotted lowercase snake identifiers with at least a module
// segment and a method segment.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ValidateName reports whether name is a well-formed dotted tool identifier.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("tool name %q is not a dotted lowercase snake identifier", name)
	}
	return nil
}

// SplitName maps a dotted tool name onto the handler registration table: the
// first segment selects the handler module and the remaining segments joined by
// "_" give the registered symbol. "integrations.highlevel.sync_contacts" maps
// to module "integrations", symbol "highlevel_sync_contacts".
func SplitName(name string) (module, symbol string, err error) {
	if err := ValidateName(name); err != nil {
		return "", "", err
	}
	segments := strings.Split(name, ".")
	return segments[0], strings.Join(segments[1:], "_"), nil
}

// Timeout returns the per-call handler deadline derived from TimeoutMS.
func (t *Tool) Timeout() time.Duration {
	if t.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// RequiredInputFields returns the top-level required field names declared by
// the input schema, if any.
func (t *Tool) RequiredInputFields() []string {
	raw, ok := t.InputSchema["required"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}
