package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/gem/runtime/brain"
)

func TestCreateUpdateGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := &brain.Run{ID: "r1", Message: "note: x", Mode: brain.ModeAnswer, Status: brain.RunCreated}
	require.NoError(t, s.Create(ctx, run))

	// Duplicate create fails.
	assert.Error(t, s.Create(ctx, run))

	run.Status = brain.RunCompleted
	require.NoError(t, s.Update(ctx, run))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, brain.RunCompleted, got.Status)

	// Stored runs are snapshots, not aliases.
	run.Status = brain.RunFailed
	got, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, brain.RunCompleted, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.Error(t, err)

	assert.Error(t, s.Update(ctx, &brain.Run{ID: "missing"}))
	assert.Error(t, s.Create(ctx, &brain.Run{}))
	assert.Error(t, s.Create(ctx, nil))
}
