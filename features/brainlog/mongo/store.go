// Package mongo wires the brain.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/callkaidsroofing/gem/features/brainlog/mongo/clients/mongo"
	"github.com/callkaidsroofing/gem/runtime/brain"
)

// Store implements brain.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed BrainRun store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create implements brain.Store.
func (s *Store) Create(ctx context.Context, run *brain.Run) error {
	return s.client.Create(ctx, run)
}

// Update implements brain.Store.
func (s *Store) Update(ctx context.Context, run *brain.Run) error {
	return s.client.Update(ctx, run)
}

// Get implements brain.Store.
func (s *Store) Get(ctx context.Context, id string) (*brain.Run, error) {
	return s.client.Get(ctx, id)
}
