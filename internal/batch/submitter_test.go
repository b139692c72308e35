package batch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
)

func TestSubmitter_SubmitAll_FiltersAlreadyAnalyzedAndEmptyText(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")

	seedItem(t, store, "item-good", "eligible text")
	_, err := acc.Register(ctx, "item-good", 10)
	require.NoError(t, err)

	jobs, err := store.JobsByStatus(ctx, models.JobStatusAccepting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobID := jobs[0].JobID

	// Directly attach two non-eligible Items to the same Job, bypassing
	// Register's own filtering, to exercise submitOne's re-scan filter.
	require.NoError(t, store.UpsertItem(ctx, &models.Item{
		ItemID: "item-already-analyzed", Text: "text", AnalysisJobID: jobID,
		Analysis: &models.Analysis{DrugsRelated: false},
	}))
	require.NoError(t, store.UpsertItem(ctx, &models.Item{
		ItemID: "item-no-text", Text: "", AnalysisJobID: jobID,
	}))

	_, err = store.RolloverAccepting(ctx, "next-job", "gemini-2.5-flash")
	require.NoError(t, err)

	provider := &fakeProvider{nextHandle: "handle-123"}
	submitter := NewSubmitter(store, provider, arbor.NewLogger(), 0.2)

	submitted, failed, err := submitter.SubmitAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, submitted)
	require.Equal(t, 0, failed)

	require.Len(t, provider.uploads, 1)
	body := string(provider.uploads[0].Body)
	require.Equal(t, 1, strings.Count(body, "\"key\":\"item-good\""))
	require.NotContains(t, body, "item-already-analyzed")
	require.NotContains(t, body, "item-no-text")

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSubmitted, job.Status)
	require.Equal(t, "handle-123", job.ProviderHandle)
}

func TestSubmitter_SubmitAll_MarksJobFailedOnProviderError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acc := NewAccumulator(store, arbor.NewLogger(), 1_000_000, "gemini-2.5-flash")

	seedItem(t, store, "item-1", "text")
	_, err := acc.Register(ctx, "item-1", 10)
	require.NoError(t, err)

	jobs, err := store.JobsByStatus(ctx, models.JobStatusAccepting)
	require.NoError(t, err)
	jobID := jobs[0].JobID
	_, err = store.RolloverAccepting(ctx, "next-job", "gemini-2.5-flash")
	require.NoError(t, err)

	provider := &fakeProvider{uploadErr: errProviderDown}
	submitter := NewSubmitter(store, provider, arbor.NewLogger(), 0.2)

	submitted, failed, err := submitter.SubmitAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, submitted)
	require.Equal(t, 1, failed)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, job.Status)
}

// TestSubmitter_SubmitAll_SkipsEmptyPendingJob covers a PENDING Job that
// somehow has zero Items registered: SubmitAll must not call the provider
// at all for it.
func TestSubmitter_SubmitAll_SkipsEmptyPendingJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpdateJob(ctx, &models.Job{JobID: "empty-job", Status: models.JobStatusPending, ItemCount: 0}))

	provider := &fakeProvider{}
	submitter := NewSubmitter(store, provider, arbor.NewLogger(), 0.2)

	submitted, failed, err := submitter.SubmitAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, submitted)
	require.Equal(t, 0, failed)
	require.Empty(t, provider.uploads)
}
