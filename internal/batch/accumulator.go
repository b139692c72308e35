package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// RegisterResult is the closed outcome of Register (SPEC_FULL.md §9's
// "tagged result instead of sentinel errors" decision for the one genuinely
// expected non-error branch).
type RegisterResult int

const (
	// RegisterResultOK means the Item was newly added to an open Job.
	RegisterResultOK RegisterResult = iota
	// RegisterResultAlreadyRegistered means the Item already had a
	// non-terminal Job back-reference; not an error.
	RegisterResultAlreadyRegistered
)

// Accumulator implements Component C3 (spec.md §4.3): single-writer
// registration of eligible Items into the currently-open ACCEPTING Job,
// rolling over to a fresh Job whenever the current one would exceed
// MaxBatchBytes. Grounded on PostAnalyzer.register/register_all in
// original_source/genai/analyzers/post.py; the MongoDB
// find_one_and_update+retry-on-transient-error loop there becomes a Badger
// transaction retried by Store.Register itself, so Accumulator only has to
// react to the rollover signal.
type Accumulator struct {
	store  *badgerstore.Store
	logger arbor.ILogger

	// maxBatchBytes is an atomic.Int64 rather than a plain field because
	// handleJobDefinitionImport (internal/server/job_definitions.go) can
	// update it from an HTTP handler goroutine while Register reads it
	// concurrently from the Scheduler loop.
	maxBatchBytes atomic.Int64
	providerModel string

	// maxRolloverAttempts bounds how many times one Register call will
	// roll the Job over before giving up - guards against a pathological
	// Item whose estimated size alone exceeds MaxBatchBytes.
	maxRolloverAttempts int
}

func NewAccumulator(store *badgerstore.Store, logger arbor.ILogger, maxBatchBytes int64, providerModel string) *Accumulator {
	a := &Accumulator{
		store:               store,
		logger:              logger,
		providerModel:       providerModel,
		maxRolloverAttempts: 3,
	}
	a.maxBatchBytes.Store(maxBatchBytes)
	return a
}

// SetMaxBatchBytes updates the size cap applied to every subsequent
// Register call. Safe to call concurrently with Register.
func (a *Accumulator) SetMaxBatchBytes(maxBatchBytes int64) {
	a.maxBatchBytes.Store(maxBatchBytes)
}

// Register registers itemID into the open Job, estimating its request size
// at the given temperature. Retries through rollover up to
// maxRolloverAttempts times when every ACCEPTING Job lacks capacity.
func (a *Accumulator) Register(ctx context.Context, itemID string, estimatedSize int64) (RegisterResult, error) {
	maxBatchBytes := a.maxBatchBytes.Load()
	if estimatedSize > maxBatchBytes {
		return 0, fmt.Errorf("batch: item %s estimated size %d exceeds max batch size %d", itemID, estimatedSize, maxBatchBytes)
	}

	for attempt := 0; attempt < a.maxRolloverAttempts; attempt++ {
		outcome, rollover, err := a.store.Register(ctx, itemID, estimatedSize, maxBatchBytes)
		if err != nil {
			if errors.Is(err, badgerstore.ErrTransientTxn) {
				continue
			}
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		if rollover {
			newJobID := common.NewJobID()
			if _, rollErr := a.store.RolloverAccepting(ctx, newJobID, a.providerModel); rollErr != nil {
				return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, rollErr)
			}
			a.logger.Info().Str("item_id", itemID).Str("new_job_id", newJobID).Msg("rolled over accepting job, retrying registration")
			continue
		}

		switch outcome {
		case badgerstore.RegisterOutcomeRegistered:
			return RegisterResultOK, nil
		case badgerstore.RegisterOutcomeDuplicate:
			return RegisterResultAlreadyRegistered, ErrDuplicateRegistration
		}
	}

	return 0, fmt.Errorf("batch: failed to register item %s after %d rollover attempts", itemID, a.maxRolloverAttempts)
}

// RegisterAll scans every eligible Item and registers each one, continuing
// past per-Item failures so one bad Item doesn't block the rest. Grounded
// on PostAnalyzer.register_all's full-table eligibility scan, generalized
// off MongoDB's $nin filter onto Store.EligibleItems.
func (a *Accumulator) RegisterAll(ctx context.Context) (registered int, duplicates int, failed int, err error) {
	items, err := a.store.EligibleItems(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, item := range items {
		size, sizeErr := EstimateRequestSize(item, 0)
		if sizeErr != nil {
			a.logger.Warn().Str("item_id", item.ItemID).Err(sizeErr).Msg("failed to estimate request size")
			failed++
			continue
		}

		result, regErr := a.Register(ctx, item.ItemID, size)
		switch {
		case regErr == nil && result == RegisterResultOK:
			registered++
		case errors.Is(regErr, ErrDuplicateRegistration):
			duplicates++
		default:
			a.logger.Warn().Str("item_id", item.ItemID).Err(regErr).Msg("failed to register item")
			failed++
		}
	}

	return registered, duplicates, failed, nil
}
