package batch

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// CompletionResult tallies one Complete pass, mirroring
// JobCompletionResult in original_source/genai/analyzers/post.py.
type CompletionResult struct {
	ProcessedJobCount  int
	CompletedJobCount  int
	CompletedItemCount int
	SkippedLineCount   int
}

// Completer implements Component C7 (spec.md §4.7): downloads and applies
// the result file for every PROCESSED Job, then flips the Job to COMPLETED.
// Grounded on PostAnalyzer.complete_jobs; ApplyAnalysis's Badger transaction
// makes each Item write idempotent, so a Completer run interrupted midway
// through a Job is safe to re-run from the top.
type Completer struct {
	store    *badgerstore.Store
	provider llm.BatchProvider
	logger   arbor.ILogger
}

func NewCompleter(store *badgerstore.Store, provider llm.BatchProvider, logger arbor.ILogger) *Completer {
	return &Completer{store: store, provider: provider, logger: logger}
}

func (c *Completer) CompleteAll(ctx context.Context) (CompletionResult, error) {
	var result CompletionResult

	jobs, err := c.store.JobsByStatus(ctx, models.JobStatusProcessed)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	result.ProcessedJobCount = len(jobs)
	if len(jobs) == 0 {
		return result, nil
	}

	for _, job := range jobs {
		if job.ResultFileName == "" {
			c.logger.Warn().Str("job_id", job.JobID).Msg("processed job has no result file reference yet")
			continue
		}

		content, dlErr := c.provider.DownloadResult(ctx, job.ResultFileName)
		if dlErr != nil {
			c.logger.Error().Str("job_id", job.JobID).Err(dlErr).Msg("failed to download result file")
			continue
		}

		parsed, skipped, parseErr := ParseResultFile(content)
		result.SkippedLineCount += skipped
		if parseErr != nil {
			c.logger.Error().Str("job_id", job.JobID).Err(parseErr).Msg("result file failed schema validation")
			continue
		}

		for _, row := range parsed {
			if applyErr := c.store.ApplyAnalysis(ctx, row.ItemID, row.Analysis); applyErr != nil {
				c.logger.Error().Str("item_id", row.ItemID).Err(applyErr).Msg("failed to apply analysis to item")
				continue
			}
			result.CompletedItemCount++
		}

		job.Status = models.JobStatusCompleted
		if updErr := c.store.UpdateJob(ctx, job); updErr != nil {
			c.logger.Error().Str("job_id", job.JobID).Err(updErr).Msg("failed to mark job completed")
			continue
		}
		result.CompletedJobCount++
	}

	c.logger.Info().
		Int("processed", result.ProcessedJobCount).
		Int("completed", result.CompletedJobCount).
		Int("items", result.CompletedItemCount).
		Int("skipped_lines", result.SkippedLineCount).
		Msg("completion pass finished")

	return result, nil
}
