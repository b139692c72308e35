package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
)

func TestPoller_PollAll_SucceededMovesToProcessed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpdateJob(ctx, &models.Job{
		JobID: "job-1", Status: models.JobStatusSubmitted, ProviderHandle: "handle-1",
	}))

	provider := &fakeProvider{statusFunc: func(handle string) (llm.BatchStatus, error) {
		return llm.BatchStatus{State: llm.BatchStateSucceeded, ResultFile: "results.jsonl"}, nil
	}}
	poller := NewPoller(store, provider, arbor.NewLogger())

	processed, failed, err := poller.PollAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, 0, failed)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessed, job.Status)
	require.Equal(t, "results.jsonl", job.ResultFileName)
}

func TestPoller_PollAll_FailedCancelledExpiredMoveToFailed(t *testing.T) {
	for _, state := range []llm.BatchState{llm.BatchStateFailed, llm.BatchStateCancelled, llm.BatchStateExpired} {
		ctx := context.Background()
		store := newTestStore(t)
		require.NoError(t, store.UpdateJob(ctx, &models.Job{
			JobID: "job-1", Status: models.JobStatusSubmitted, ProviderHandle: "handle-1",
		}))

		provider := &fakeProvider{statusFunc: func(handle string) (llm.BatchStatus, error) {
			return llm.BatchStatus{State: state}, nil
		}}
		poller := NewPoller(store, provider, arbor.NewLogger())

		processed, failed, err := poller.PollAll(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, processed)
		require.Equal(t, 1, failed)

		job, err := store.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, models.JobStatusFailed, job.Status)
	}
}

func TestPoller_PollAll_PendingOrRunningLeavesJobUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpdateJob(ctx, &models.Job{
		JobID: "job-1", Status: models.JobStatusSubmitted, ProviderHandle: "handle-1",
	}))

	provider := &fakeProvider{statusFunc: func(handle string) (llm.BatchStatus, error) {
		return llm.BatchStatus{State: llm.BatchStateRunning}, nil
	}}
	poller := NewPoller(store, provider, arbor.NewLogger())

	processed, failed, err := poller.PollAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, processed)
	require.Equal(t, 0, failed)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSubmitted, job.Status)
}

// TestPoller_PollAll_ProviderRecordMissingLeavesJobSubmitted covers spec.md
// §4.6/B3: when the provider has no record of a submitted job, the Job
// Store's view is left as-is (SUBMITTED) rather than forced to FAILED, since
// the provider might simply be lagging.
func TestPoller_PollAll_ProviderRecordMissingLeavesJobSubmitted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpdateJob(ctx, &models.Job{
		JobID: "job-1", Status: models.JobStatusSubmitted, ProviderHandle: "handle-1",
	}))

	provider := &fakeProvider{statusFunc: func(handle string) (llm.BatchStatus, error) {
		return llm.BatchStatus{}, llm.ErrBatchNotFound
	}}
	poller := NewPoller(store, provider, arbor.NewLogger())

	processed, failed, err := poller.PollAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, processed)
	require.Equal(t, 0, failed)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSubmitted, job.Status)
}

func TestPoller_PollAll_SkipsJobWithoutProviderHandle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpdateJob(ctx, &models.Job{JobID: "job-1", Status: models.JobStatusSubmitted}))

	called := false
	provider := &fakeProvider{statusFunc: func(handle string) (llm.BatchStatus, error) {
		called = true
		return llm.BatchStatus{State: llm.BatchStateSucceeded}, nil
	}}
	poller := NewPoller(store, provider, arbor.NewLogger())

	_, _, err := poller.PollAll(ctx)
	require.NoError(t, err)
	require.False(t, called)
}
