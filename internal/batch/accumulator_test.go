package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestAccumulator_Register_CreatesAcceptingJobOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")
	seedItem(t, store, "item-1", "text")

	result, err := acc.Register(ctx, "item-1", 100)
	require.NoError(t, err)
	require.Equal(t, RegisterResultOK, result)
}

// TestAccumulator_Register_DuplicateReportsSentinel covers the
// "already-registered is not an error" design note (spec.md §9).
func TestAccumulator_Register_DuplicateReportsSentinel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")
	seedItem(t, store, "item-1", "text")

	_, err := acc.Register(ctx, "item-1", 100)
	require.NoError(t, err)

	result, err := acc.Register(ctx, "item-1", 100)
	require.ErrorIs(t, err, ErrDuplicateRegistration)
	require.Equal(t, RegisterResultAlreadyRegistered, result)
}

// TestAccumulator_Register_OversizedItemRejectedImmediately covers the
// estimatedSize > maxBatchBytes guard: no rollover churn, a direct error.
func TestAccumulator_Register_OversizedItemRejectedImmediately(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 10, "gemini-2.5-flash")
	seedItem(t, store, "item-1", "text")

	_, err := acc.Register(ctx, "item-1", 100)
	require.Error(t, err)
}

// TestAccumulator_SetMaxBatchBytes_AppliesToSubsequentRegister covers the
// runtime mutation path added for /api/job-definitions/import: a cap raised
// after construction is honored by the very next Register call.
func TestAccumulator_SetMaxBatchBytes_AppliesToSubsequentRegister(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 10, "gemini-2.5-flash")
	seedItem(t, store, "item-1", "text")

	_, err := acc.Register(ctx, "item-1", 100)
	require.Error(t, err)

	acc.SetMaxBatchBytes(1_000_000)

	result, err := acc.Register(ctx, "item-1", 100)
	require.NoError(t, err)
	require.Equal(t, RegisterResultOK, result)
}

// TestAccumulator_RegisterAll covers the full-table eligibility scan: a
// non-eligible Item is skipped, an eligible one is registered, and a
// duplicate is tallied without being treated as a failure.
func TestAccumulator_RegisterAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")

	seedItem(t, store, "item-1", "eligible text")
	seedItem(t, store, "item-no-text", "")

	_, err := acc.Register(ctx, "item-1", 10)
	require.NoError(t, err)

	registered, duplicates, failed, err := acc.RegisterAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, registered)
	require.Equal(t, 0, duplicates)
	require.Equal(t, 0, failed)

	seedItem(t, store, "item-2", "also eligible")
	registered, duplicates, failed, err = acc.RegisterAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, registered)
	require.Equal(t, 0, duplicates)
	require.Equal(t, 0, failed)

	_, dupErr := acc.Register(ctx, "item-2", 10)
	require.True(t, errors.Is(dupErr, ErrDuplicateRegistration))
}
