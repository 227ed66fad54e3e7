// Package leads implements the lead-capture handler module. It owns its own
// storage (an in-memory directory with a unique phone constraint) and is the
// reference implementation for keyed idempotency: losing a create race means
// re-querying by key and returning the existing lead as an idempotency hit.
package leads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

type (
	// Module holds the lead directory and exposes the handler symbols.
	Module struct {
		mu      sync.Mutex
		byPhone map[string]*Lead
	}

	// Lead is a captured sales lead.
	Lead struct {
		ID        string    `json:"id"`
		Name      string    `json:"name,omitempty"`
		Phone     string    `json:"phone"`
		Suburb    string    `json:"suburb,omitempty"`
		Source    string    `json:"source,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
)

// New constructs the module with an empty directory.
func New() *Module {
	return &Module{byPhone: make(map[string]*Lead)}
}

// Register installs the module's symbols into the handler table.
func (m *Module) Register(table *handler.Table) error {
	return table.RegisterModule("leads", map[string]handler.Func{
		"create":        m.create,
		"find_by_phone": m.findByPhone,
	})
}

// create inserts a lead keyed by phone. The phone acts as a unique constraint:
// a second create for the same phone loses the race, re-queries the directory,
// and returns the existing lead with effects.idempotency.hit set and no
// db_writes.
func (m *Module) create(_ context.Context, input map[string]any, hctx *handler.Context) (*receipt.Outcome, error) {
	phone, ok := input["phone"].(string)
	if !ok || phone == "" {
		return nil, receipt.NewFailure(receipt.CodePreconditionFailed, "phone is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, found := m.byPhone[phone]; found {
		return receipt.Success(leadResult(existing, false), receipt.Effects{
			DBWrites: []receipt.DBWrite{},
			Idempotency: &receipt.Idempotency{
				Hit: true,
				Key: fmt.Sprintf("leads.create:phone:%s", phone),
			},
		}), nil
	}

	lead := &Lead{
		ID:        uuid.NewString(),
		Phone:     phone,
		CreatedAt: time.Now().UTC(),
	}
	if name, ok := input["name"].(string); ok {
		lead.Name = name
	}
	if suburb, ok := input["suburb"].(string); ok {
		lead.Suburb = suburb
	}
	if source, ok := input["source"].(string); ok {
		lead.Source = source
	}
	m.byPhone[phone] = lead

	return receipt.Success(leadResult(lead, true), receipt.Effects{
		DBWrites: []receipt.DBWrite{{Table: "leads", ID: lead.ID, Op: "insert"}},
	}), nil
}

// findByPhone looks a lead up without side effects.
func (m *Module) findByPhone(_ context.Context, input map[string]any, _ *handler.Context) (*receipt.Outcome, error) {
	phone, ok := input["phone"].(string)
	if !ok || phone == "" {
		return nil, receipt.NewFailure(receipt.CodePreconditionFailed, "phone is required")
	}

	m.mu.Lock()
	lead, found := m.byPhone[phone]
	m.mu.Unlock()

	if !found {
		return receipt.Success(map[string]any{"found": false}, receipt.Effects{}), nil
	}
	result := leadResult(lead, false)
	result["found"] = true
	return receipt.Success(result, receipt.Effects{}), nil
}

func leadResult(lead *Lead, created bool) map[string]any {
	return map[string]any{
		"lead_id":    lead.ID,
		"phone":      lead.Phone,
		"name":       lead.Name,
		"suburb":     lead.Suburb,
		"source":     lead.Source,
		"created":    created,
		"created_at": lead.CreatedAt.Format(time.RFC3339),
	}
}
