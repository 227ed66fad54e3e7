// Package inmem provides an in-memory implementation of brain.Store.
//
// Intended for tests and single-process deployments; runs do not survive a
// restart.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/callkaidsroofing/gem/runtime/brain"
)

// Store implements brain.Store in memory.
type Store struct {
	mu   sync.Mutex
	runs map[string]*brain.Run
}

// New returns a new in-memory BrainRun store.
func New() *Store {
	return &Store{runs: make(map[string]*brain.Run)}
}

// Create implements brain.Store.
func (s *Store) Create(_ context.Context, run *brain.Run) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// Update implements brain.Store.
func (s *Store) Update(_ context.Context, run *brain.Run) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("run %q not found", run.ID)
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// Get implements brain.Store.
func (s *Store) Get(_ context.Context, id string) (*brain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q not found", id)
	}
	copied := *run
	return &copied, nil
}
