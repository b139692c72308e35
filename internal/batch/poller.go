package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// Poller implements Component C6 (spec.md §4.6): asks the provider about
// every SUBMITTED Job's remote state and advances the Job Store accordingly.
// Grounded on PostAnalyzer.check_batch_status in
// original_source/genai/analyzers/post.py; the match/case over
// GeminiBatchJobState becomes the llm.BatchState switch below.
type Poller struct {
	store    *badgerstore.Store
	provider llm.BatchProvider
	logger   arbor.ILogger
}

func NewPoller(store *badgerstore.Store, provider llm.BatchProvider, logger arbor.ILogger) *Poller {
	return &Poller{store: store, provider: provider, logger: logger}
}

// PollAll polls every SUBMITTED Job, returning how many transitioned to
// PROCESSED and how many transitioned to FAILED.
func (p *Poller) PollAll(ctx context.Context) (processed int, failed int, err error) {
	jobs, err := p.store.JobsByStatus(ctx, models.JobStatusSubmitted)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, job := range jobs {
		if job.ProviderHandle == "" {
			continue
		}

		status, statusErr := p.provider.Status(ctx, job.ProviderHandle)
		if statusErr != nil {
			if errors.Is(statusErr, llm.ErrBatchNotFound) {
				p.logger.Warn().Str("job_id", job.JobID).Str("provider_handle", job.ProviderHandle).Msg("provider has no record of submitted job")
				continue
			}
			p.logger.Error().Str("job_id", job.JobID).Err(statusErr).Msg("failed to poll job status")
			continue
		}

		var newStatus models.JobStatus
		switch status.State {
		case llm.BatchStateSucceeded:
			newStatus = models.JobStatusProcessed
			job.ResultFileName = status.ResultFile
		case llm.BatchStateFailed, llm.BatchStateCancelled, llm.BatchStateExpired:
			newStatus = models.JobStatusFailed
		case llm.BatchStatePending, llm.BatchStateRunning:
			continue
		default:
			p.logger.Warn().Str("job_id", job.JobID).Int("state", int(status.State)).Msg("batch job in unrecognized provider state")
			continue
		}

		job.Status = newStatus
		if updErr := p.store.UpdateJob(ctx, job); updErr != nil {
			p.logger.Error().Str("job_id", job.JobID).Err(updErr).Msg("failed to persist polled job status")
			continue
		}

		if newStatus == models.JobStatusProcessed {
			processed++
		} else {
			failed++
		}
	}

	return processed, failed, nil
}
