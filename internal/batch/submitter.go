package batch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// Submitter implements Component C5 (spec.md §4.5): builds the JSONL
// request file for every PENDING Job's Items and hands it to the provider,
// moving the Job to SUBMITTED on success or FAILED on a permanent error.
// Grounded on PostAnalyzer.submit_batch in
// original_source/genai/analyzers/post.py; the original's NamedTemporaryFile
// is replaced with an in-memory bytes.Buffer since Files.Upload here takes
// an io.Reader directly.
type Submitter struct {
	store       *badgerstore.Store
	provider    llm.BatchProvider
	logger      arbor.ILogger
	temperature float32
}

func NewSubmitter(store *badgerstore.Store, provider llm.BatchProvider, logger arbor.ILogger, temperature float32) *Submitter {
	return &Submitter{store: store, provider: provider, logger: logger, temperature: temperature}
}

// SubmitAll submits every PENDING Job with at least one Item, returning the
// count submitted and failed.
func (s *Submitter) SubmitAll(ctx context.Context) (submitted int, failed int, err error) {
	jobs, err := s.store.JobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, job := range jobs {
		if job.ItemCount == 0 {
			continue
		}
		if err := s.submitOne(ctx, job); err != nil {
			s.logger.Error().Str("job_id", job.JobID).Err(err).Msg("failed to submit job")
			job.Status = models.JobStatusFailed
			if updErr := s.store.UpdateJob(ctx, job); updErr != nil {
				s.logger.Error().Str("job_id", job.JobID).Err(updErr).Msg("failed to mark job failed after submit error")
			}
			failed++
			continue
		}
		submitted++
	}
	return submitted, failed, nil
}

func (s *Submitter) submitOne(ctx context.Context, job *models.Job) error {
	allItems, err := s.store.ItemsByJob(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to list items for job: %w", err)
	}

	// spec.md §4.5 step 1 scopes the read to analysis=∅ ∧ text≠∅: an Item
	// that already carries an analysis (a re-run after a partial failure) or
	// never got crawled text must not be re-serialized into the request file.
	items := make([]*models.Item, 0, len(allItems))
	for _, item := range allItems {
		if item.Analysis != nil || item.Text == "" {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, item := range items {
		line, buildErr := buildBatchRequestLine(item.ItemID, item, s.temperature, analysisJSONSchema())
		if buildErr != nil {
			return fmt.Errorf("failed to build request line for item %s: %w", item.ItemID, buildErr)
		}
		buf.Write(line)
	}

	displayName := fmt.Sprintf("batch-job-%s-%s", job.JobID, time.Now().UTC().Format("20060102-150405"))
	handle, err := s.provider.UploadAndSubmit(ctx, displayName, buf.Bytes(), job.ProviderModel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}

	job.ProviderHandle = handle
	job.Status = models.JobStatusSubmitted
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.logger.Info().Str("job_id", job.JobID).Str("provider_handle", handle).Int("item_count", len(items)).Msg("submitted batch job")
	return nil
}
