package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerv4 "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// Sentinel errors returned by Store, mapped onto the policy rows of
// spec.md §7 by callers in internal/batch.
var (
	// ErrDuplicateRegistration is returned when an Item already carries a
	// non-terminal AnalysisJobID (invariant 2 tripped by a concurrent
	// registration). Not an error for the caller's purposes.
	ErrDuplicateRegistration = errors.New("item already registered to a non-terminal job")

	// ErrTransientTxn signals a Badger conflict (badger.ErrConflict) on a
	// transaction's read/write set; the whole transaction must be retried.
	ErrTransientTxn = errors.New("transient store transaction conflict")

	// ErrJobNotFound is returned when a Job lookup misses.
	ErrJobNotFound = errors.New("job not found")

	// ErrItemNotFound is returned when an Item lookup misses.
	ErrItemNotFound = errors.New("item not found")
)

// jobOwnerIndexKey is the physical secondary-index key written/deleted
// inside the same transaction as a Job update, giving invariant 2
// (single-ownership) a key-collision detector instead of only a table scan.
func jobOwnerIndexKey(itemID string) []byte {
	return []byte("idx:item-owner:" + itemID)
}

// nonTerminalStatuses lists the Job statuses invariant 2's partial unique
// index is scoped to (FAILED and COMPLETED are excluded so a failed Item
// may be retried into a new Job).
var nonTerminalStatuses = map[models.JobStatus]bool{
	models.JobStatusAccepting: true,
	models.JobStatusPending:   true,
	models.JobStatusSubmitted: true,
	models.JobStatusProcessed: true,
}

// Store is the Job Store (spec.md §4.1 / SPEC_FULL.md §4.1): a typed
// badgerhold document collection of Jobs and Items with atomic update
// primitives enforcing the single-open and single-ownership index
// constraints. Unlike the teacher's JobStorage.UpdateProgressCountersAtomic,
// every multi-document write here runs inside one Badger transaction
// (db.Update) using badgerhold's Tx* method family, so Job and Item writes
// commit together or not at all.
type Store struct {
	db     *BadgerDB
	logger arbor.ILogger

	// txRetries bounds how many times a transaction is replayed after a
	// badger.ErrConflict before it is surfaced to the caller.
	txRetries int
}

// NewStore creates a new Job Store.
func NewStore(db *BadgerDB, logger arbor.ILogger, txRetries int) *Store {
	if txRetries <= 0 {
		txRetries = 5
	}
	return &Store{db: db, logger: logger, txRetries: txRetries}
}

// withRetry runs fn inside a Badger transaction, retrying on ErrConflict up
// to s.txRetries times with jittered backoff, per spec.md §5's "store
// transient-transaction errors retry the whole transaction."
func (s *Store) withRetry(ctx context.Context, fn func(txn *badgerv4.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < s.txRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = s.db.Store().Badger().Update(fn)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, badgerv4.ErrConflict) {
			backoff := time.Duration(attempt+1) * 10 * time.Millisecond
			s.logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("Store: retrying transaction after conflict")
			time.Sleep(backoff)
			continue
		}
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrTransientTxn, lastErr)
}

// EnsureOpenAcceptingJob guarantees exactly one ACCEPTING Job exists,
// upserting a fresh one if none does. The upsert is idempotent under the
// single-open invariant because a fresh Job is only created when the find
// inside the same transaction turns up nothing.
func (s *Store) EnsureOpenAcceptingJob(ctx context.Context, newJobID string, providerModel string) error {
	return s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var existing []models.Job
		err := s.db.Store().TxFind(txn, &existing, badgerhold.Where("Status").Eq(models.JobStatusAccepting))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}

		now := time.Now()
		job := &models.Job{
			JobID:         newJobID,
			Status:        models.JobStatusAccepting,
			ProviderModel: providerModel,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return s.db.Store().TxInsert(txn, job.JobID, job)
	})
}

// RegisterOutcome is the closed result of Register (spec.md §4.3, §9's
// "tagged result instead of sentinel errors" design note).
type RegisterOutcome int

const (
	RegisterOutcomeRegistered RegisterOutcome = iota
	RegisterOutcomeDuplicate
)

// Register implements the Accumulator's core transaction (spec.md §4.3
// steps 1-4; the retry loop around transient-transaction and rollover lives
// one level up in internal/batch.Accumulator, which calls Register
// repeatedly until it gets a definitive outcome).
//
// A single pass:
//  1. Find the ACCEPTING Job with room for estimatedSize. If found, bump its
//     counters and stamp the Item's AnalysisJobID in the same transaction.
//  2. If no Job was matched, report that via (false, nil) rollover=true so
//     the caller rolls the Job over and retries.
//  3. If the Item already carries a non-terminal AnalysisJobID, report
//     ErrDuplicateRegistration - not a true error, a definitive "already
//     registered" outcome.
func (s *Store) Register(ctx context.Context, itemID string, estimatedSize int64, maxBatchBytes int64) (outcome RegisterOutcome, rollover bool, err error) {
	err = s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var item models.Item
		if getErr := s.db.Store().TxGet(txn, itemID, &item); getErr != nil {
			if errors.Is(getErr, badgerhold.ErrNotFound) {
				return ErrItemNotFound
			}
			return getErr
		}

		if item.AnalysisJobID != "" {
			var owner models.Job
			ownerErr := s.db.Store().TxGet(txn, item.AnalysisJobID, &owner)
			if ownerErr == nil && nonTerminalStatuses[owner.Status] {
				outcome = RegisterOutcomeDuplicate
				return nil
			}
		}

		var candidates []models.Job
		findErr := s.db.Store().TxFind(txn, &candidates, badgerhold.Where("Status").Eq(models.JobStatusAccepting).
			And("FileSizeBytes").Le(maxBatchBytes-estimatedSize))
		if findErr != nil {
			return findErr
		}
		if len(candidates) == 0 {
			rollover = true
			return nil
		}

		job := candidates[0]
		job.FileSizeBytes += estimatedSize
		job.ItemCount++
		job.ItemIDs = append(job.ItemIDs, itemID)
		job.UpdatedAt = time.Now()
		if updErr := s.db.Store().TxUpdate(txn, job.JobID, &job); updErr != nil {
			return updErr
		}

		item.AnalysisJobID = job.JobID
		item.UpdatedAt = time.Now()
		if updErr := s.db.Store().TxUpdate(txn, item.ItemID, &item); updErr != nil {
			return updErr
		}

		if idxErr := txn.Set(jobOwnerIndexKey(itemID), []byte(job.JobID)); idxErr != nil {
			return idxErr
		}

		outcome = RegisterOutcomeRegistered
		return nil
	})
	return outcome, rollover, err
}

// RolloverAccepting flips the currently-ACCEPTING Job (if item_count > 0) to
// PENDING and upserts a fresh ACCEPTING Job, atomically (spec.md §4.3 step
// 3). Returns the ID of the newly created ACCEPTING Job.
func (s *Store) RolloverAccepting(ctx context.Context, newJobID string, providerModel string) (string, error) {
	var createdID string
	err := s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var existing []models.Job
		if err := s.db.Store().TxFind(txn, &existing, badgerhold.Where("Status").Eq(models.JobStatusAccepting)); err != nil {
			return err
		}

		for _, job := range existing {
			if job.ItemCount > 0 {
				job.Status = models.JobStatusPending
				job.UpdatedAt = time.Now()
				if err := s.db.Store().TxUpdate(txn, job.JobID, &job); err != nil {
					return err
				}
			} else {
				createdID = job.JobID
				return nil
			}
		}

		now := time.Now()
		job := &models.Job{
			JobID:         newJobID,
			Status:        models.JobStatusAccepting,
			ProviderModel: providerModel,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.db.Store().TxInsert(txn, job.JobID, job); err != nil {
			return err
		}
		createdID = job.JobID
		return nil
	})
	return createdID, err
}

// SweepIdle implements the Idle Sweeper (spec.md §4.4): atomically finds an
// ACCEPTING Job idle past idleSeconds with item_count > 0, flips it to
// PENDING, and ensures a fresh ACCEPTING Job exists. Returns the flipped
// Job's ID, or "" if nothing was idle.
func (s *Store) SweepIdle(ctx context.Context, idleSeconds int, newJobID string, providerModel string) (string, error) {
	var flipped string
	err := s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		cutoff := time.Now().Add(-time.Duration(idleSeconds) * time.Second)

		var candidates []models.Job
		if err := s.db.Store().TxFind(txn, &candidates, badgerhold.Where("Status").Eq(models.JobStatusAccepting).
			And("ItemCount").Gt(0).
			And("UpdatedAt").Lt(cutoff)); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		job := candidates[0]
		job.Status = models.JobStatusPending
		job.UpdatedAt = time.Now()
		if err := s.db.Store().TxUpdate(txn, job.JobID, &job); err != nil {
			return err
		}
		flipped = job.JobID

		var stillAccepting []models.Job
		if err := s.db.Store().TxFind(txn, &stillAccepting, badgerhold.Where("Status").Eq(models.JobStatusAccepting)); err != nil {
			return err
		}
		if len(stillAccepting) == 0 {
			now := time.Now()
			fresh := &models.Job{
				JobID:         newJobID,
				Status:        models.JobStatusAccepting,
				ProviderModel: providerModel,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.db.Store().TxInsert(txn, fresh.JobID, fresh); err != nil {
				return err
			}
		}
		return nil
	})
	return flipped, err
}

// JobsByStatus returns all Jobs with the given status (unordered bulk read,
// spec.md §4.1's find/count primitives).
func (s *Store) JobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// GetJob reads a single Job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob performs an unconditional upsert of a Job, used by the
// Submitter/Poller/Completer for single-document transitions that don't
// need a paired Item write (spec.md §4.5-§4.7).
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.JobID, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// ItemsByJob returns all Items registered to jobID.
func (s *Store) ItemsByJob(ctx context.Context, jobID string) ([]*models.Item, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("AnalysisJobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list items by job: %w", err)
	}
	result := make([]*models.Item, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

// GetItem reads a single Item by ID.
func (s *Store) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	var item models.Item
	if err := s.db.Store().Get(itemID, &item); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// UpsertItem inserts or updates an Item. Used by the external crawl
// collaborator stand-in to seed Items before registration.
func (s *Store) UpsertItem(ctx context.Context, item *models.Item) error {
	item.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(item.ItemID, item); err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}
	return nil
}

// EligibleItems returns Items with non-empty text, no analysis, and no
// back-reference into a non-terminal Job - the RegisterAll admin scan
// (spec.md §9, SPEC_FULL.md §4.3).
func (s *Store) EligibleItems(ctx context.Context) ([]*models.Item, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("AnalysisJobID").Eq("")); err != nil {
		return nil, fmt.Errorf("failed to list eligible items: %w", err)
	}
	result := make([]*models.Item, 0, len(items))
	for i := range items {
		if items[i].Eligible() {
			result = append(result, &items[i])
		}
	}
	return result, nil
}

// ApplyAnalysis atomically sets an Item's Analysis field and bumps
// UpdatedAt (spec.md §4.7 step 5). Idempotent: applying the same analysis
// twice yields the same state.
func (s *Store) ApplyAnalysis(ctx context.Context, itemID string, analysis *models.Analysis) error {
	return s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var item models.Item
		if err := s.db.Store().TxGet(txn, itemID, &item); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return ErrItemNotFound
			}
			return err
		}
		item.Analysis = analysis
		item.UpdatedAt = time.Now()
		return s.db.Store().TxUpdate(txn, item.ItemID, &item)
	})
}

// UnprocessedIdentifiers walks every Item whose analysis.promotions[*].
// identifiers[*].is_processed is not true and returns a flat list of
// (itemID, promotionIndex, identifierIndex, identifier) tuples for the
// Scheduler's Fan-out step (spec.md §4.8).
type UnprocessedIdentifier struct {
	ItemID          string
	PromotionIndex  int
	IdentifierIndex int
	Identifier      string
}

func (s *Store) UnprocessedIdentifiers(ctx context.Context) ([]UnprocessedIdentifier, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("Analysis").Ne(nil)); err != nil {
		return nil, fmt.Errorf("failed to scan items for fan-out: %w", err)
	}

	var out []UnprocessedIdentifier
	for _, item := range items {
		if item.Analysis == nil {
			continue
		}
		for pi, promo := range item.Analysis.Promotions {
			for ii, ident := range promo.Identifiers {
				if ident.IsProcessed {
					continue
				}
				out = append(out, UnprocessedIdentifier{
					ItemID:          item.ItemID,
					PromotionIndex:  pi,
					IdentifierIndex: ii,
					Identifier:      ident.Identifier,
				})
			}
		}
	}
	return out, nil
}

// MarkIdentifierProcessed writes is_processed=true (and optionally an
// error) back at analysis.promotions.{i}.identifiers.{j}, mirroring the
// downstream join/ingest task's write-back contract (spec.md §4.8).
func (s *Store) MarkIdentifierProcessed(ctx context.Context, itemID string, promotionIndex, identifierIndex int, processErr string) error {
	return s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var item models.Item
		if err := s.db.Store().TxGet(txn, itemID, &item); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return ErrItemNotFound
			}
			return err
		}
		if item.Analysis == nil || promotionIndex >= len(item.Analysis.Promotions) {
			return nil
		}
		promo := item.Analysis.Promotions[promotionIndex]
		if identifierIndex >= len(promo.Identifiers) {
			return nil
		}
		promo.Identifiers[identifierIndex].IsProcessed = true
		promo.Identifiers[identifierIndex].Error = processErr
		item.UpdatedAt = time.Now()
		return s.db.Store().TxUpdate(txn, item.ItemID, &item)
	})
}

// Reset flips every non-COMPLETED Job to FAILED and re-ensures exactly one
// ACCEPTING Job, per the operator "reset" surface (spec.md §6.4).
func (s *Store) Reset(ctx context.Context, newJobID string, providerModel string) (int, error) {
	var flipped int
	err := s.withRetry(ctx, func(txn *badgerv4.Txn) error {
		var jobs []models.Job
		if err := s.db.Store().TxFind(txn, &jobs, badgerhold.Where("Status").Ne(models.JobStatusCompleted)); err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status == models.JobStatusFailed {
				continue
			}
			job.Status = models.JobStatusFailed
			job.UpdatedAt = time.Now()
			if err := s.db.Store().TxUpdate(txn, job.JobID, &job); err != nil {
				return err
			}
			flipped++
		}

		now := time.Now()
		fresh := &models.Job{
			JobID:         newJobID,
			Status:        models.JobStatusAccepting,
			ProviderModel: providerModel,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return s.db.Store().TxInsert(txn, fresh.JobID, fresh)
	})
	return flipped, err
}

// Stats returns a histogram of Job counts by status, for the operator
// job-statistics surface (spec.md §6.4, SPEC_FULL.md's /api/jobs/stats).
func (s *Store) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	statuses := []models.JobStatus{
		models.JobStatusAccepting,
		models.JobStatusPending,
		models.JobStatusSubmitted,
		models.JobStatusProcessed,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	}
	out := make(map[models.JobStatus]int, len(statuses))
	for _, status := range statuses {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs with status %s: %w", status, err)
		}
		out[status] = int(count)
	}
	return out, nil
}
