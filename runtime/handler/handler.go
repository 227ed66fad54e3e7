// Package handler defines the handler contract the worker dispatches to and
// the registration table that maps dotted tool names onto handler functions.
// Handler modules register their symbols at startup; registration failures
// surface immediately so a deployment with a miswired table never starts.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/tool"
)

// ErrNotFound marks a tool name with no registered handler. The worker
// converts it into a failed receipt with code handler_not_found.
var ErrNotFound = errors.New("handler not found")

type (
	// Func is the handler contract: execute the validated input and return a
	// tagged outcome, or an error the worker converts into a failed receipt.
	// Handlers own their external state exclusively; they never touch the
	// queue or receipts directly.
	Func func(ctx context.Context, input map[string]any, hctx *Context) (*receipt.Outcome, error)

	// Context carries per-call metadata into a handler.
	Context struct {
		// CallID identifies the queue entry being executed.
		CallID string
		// ToolName is the dotted tool identifier.
		ToolName string
		// WorkerID identifies the executing worker.
		WorkerID string
		// Logger is the worker's structured logger.
		Logger telemetry.Logger
	}

	// Table is the registration table resolving dotted tool names to handler
	// functions. A name "integrations.highlevel.sync_contacts" resolves to
	// module "integrations", symbol "highlevel_sync_contacts".
	Table struct {
		mu      sync.RWMutex
		modules map[string]map[string]Func
	}
)

// NewTable constructs an empty registration table.
func NewTable() *Table {
	return &Table{modules: make(map[string]map[string]Func)}
}

// RegisterModule installs a handler module's symbol table. Registering a
// module name twice or a nil function fails so wiring mistakes are caught at
// startup, matching the registry's load-time strictness.
func (t *Table) RegisterModule(name string, symbols map[string]Func) error {
	if name == "" {
		return errors.New("module name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.modules[name]; exists {
		return fmt.Errorf("handler module %q already registered", name)
	}
	installed := make(map[string]Func, len(symbols))
	for symbol, fn := range symbols {
		if fn == nil {
			return fmt.Errorf("handler module %q: symbol %q is nil", name, symbol)
		}
		installed[symbol] = fn
	}
	t.modules[name] = installed
	return nil
}

// Resolve maps a dotted tool name onto its registered handler function.
func (t *Table) Resolve(toolName string) (Func, error) {
	module, symbol, err := tool.SplitName(toolName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	symbols, ok := t.modules[module]
	if !ok {
		return nil, fmt.Errorf("%w: module %q", ErrNotFound, module)
	}
	fn, ok := symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: module %q has no symbol %q", ErrNotFound, module, symbol)
	}
	return fn, nil
}

// Modules returns the registered module names, for diagnostics.
func (t *Table) Modules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.modules))
	for name := range t.modules {
		names = append(names, name)
	}
	return names
}
