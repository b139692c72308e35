package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// TestIdleSweeper_Sweep_FlipsIdleAcceptingJob covers spec.md §4.4: a
// non-empty ACCEPTING Job idle past idleSeconds flips to PENDING.
func TestIdleSweeper_Sweep_FlipsIdleAcceptingJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")
	seedItem(t, store, "item-1", "text")

	_, err := acc.Register(ctx, "item-1", 10)
	require.NoError(t, err)

	sweeper := NewIdleSweeper(store, arbor.NewLogger(), 1, "gemini-2.5-flash")

	// Fresh registration: not idle yet.
	flipped, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, flipped)

	jobs, err := store.JobsByStatus(ctx, "ACCEPTING")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	job.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateJob(ctx, job))

	flipped, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, job.JobID, flipped)
}

// TestIdleSweeper_Sweep_NoOpWhenNothingIdle covers the common tick case:
// no ACCEPTING Job exists yet, Sweep is a no-op rather than an error.
func TestIdleSweeper_Sweep_NoOpWhenNothingIdle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sweeper := NewIdleSweeper(store, arbor.NewLogger(), 60, "gemini-2.5-flash")

	flipped, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, flipped)
}
