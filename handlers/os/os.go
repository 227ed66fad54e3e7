// Package os implements the operating-system-of-record handler module: notes
// and outbound SMS. The SMS tool demonstrates the not_configured contract: it
// performs no side effects unless a sender is wired in.
package os

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
	// SMSSender dispatches one SMS. Deployments wire a real provider here;
	// when nil, os.send_sms resolves not_configured without side effects.
	SMSSender func(ctx context.Context, to, body string) (ref string, err error)

	// Module holds the note store and the optional SMS sender.
	Module struct {
		mu     sync.Mutex
		notes  map[string]*Note
		sendFn SMSSender
	}

	// Note is a stored note.
	Note struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Option configures the module.
	Option func(*Module)
)

// WithSMSSender wires an SMS provider into os.send_sms.
func WithSMSSender(fn SMSSender) Option {
	return func(m *Module) {
		m.sendFn = fn
	}
}

// New constructs the module.
func New(opts ...Option) *Module {
	m := &Module{notes: make(map[string]*Note)}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register installs the module's symbols into the handler table.
func (m *Module) Register(table *handler.Table) error {
	return table.RegisterModule("os", map[string]handler.Func{
		"create_note": m.createNote,
		"send_sms":    m.sendSMS,
	})
}

// createNote stores a note and returns its id.
func (m *Module) createNote(_ context.Context, input map[string]any, _ *handler.Context) (*receipt.Outcome, error) {
	title, _ := input["title"].(string)
	content, ok := input["content"].(string)
	if !ok || content == "" {
		return nil, receipt.NewFailure(receipt.CodePreconditionFailed, "content is required")
	}

	note := &Note{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.notes[note.ID] = note
	m.mu.Unlock()

	return receipt.Success(map[string]any{
		"note_id":    note.ID,
		"title":      note.Title,
		"created_at": note.CreatedAt.Format(time.RFC3339),
	}, receipt.Effects{
		DBWrites: []receipt.DBWrite{{Table: "notes", ID: note.ID, Op: "insert"}},
	}), nil
}

// sendSMS dispatches through the wired sender, or resolves not_configured
// with the environment the deployment must provide. No sender, no side
// effects.
func (m *Module) sendSMS(ctx context.Context, input map[string]any, _ *handler.Context) (*receipt.Outcome, error) {
	if m.sendFn == nil {
		return receipt.NotConfigured("os.send_sms", receipt.NotConfiguredInfo{
			Reason:      "no SMS provider is wired",
			RequiredEnv: []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER"},
			NextSteps: []string{
				"set the Twilio environment variables",
				"wire an SMSSender into the os handler module",
			},
		}), nil
	}

	to, ok := input["to"].(string)
	if !ok || to == "" {
		return nil, receipt.NewFailure(receipt.CodePreconditionFailed, "to is required")
	}
	body, ok := input["body"].(string)
	if !ok || body == "" {
		return nil, receipt.NewFailure(receipt.CodePreconditionFailed, "body is required")
	}

	ref, err := m.sendFn(ctx, to, body)
	if err != nil {
		return nil, receipt.NewFailure(receipt.CodeAPIError, fmt.Sprintf("sms dispatch failed: %v", err))
	}
	return receipt.Success(map[string]any{
		"message_ref": ref,
		"to":          to,
	}, receipt.Effects{
		DBWrites:     []receipt.DBWrite{},
		MessagesSent: []receipt.Message{{Channel: "sms", To: to, Ref: ref}},
	}), nil
}

// NoteCount reports how many notes are stored, for tests.
func (m *Module) NoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}
