package batch

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// IdleSweeper implements Component C4 (spec.md §4.4): flips a non-empty
// ACCEPTING Job to PENDING once it has gone quiet for IdleSeconds, so a slow
// trickle of Items doesn't wait forever for MaxBatchBytes to fill. Grounded
// on PostAnalyzer.flip_idle_accepting_job_to_pending in
// original_source/genai/analyzers/post.py.
type IdleSweeper struct {
	store         *badgerstore.Store
	logger        arbor.ILogger
	idleSeconds   int
	providerModel string
}

func NewIdleSweeper(store *badgerstore.Store, logger arbor.ILogger, idleSeconds int, providerModel string) *IdleSweeper {
	return &IdleSweeper{store: store, logger: logger, idleSeconds: idleSeconds, providerModel: providerModel}
}

// Sweep flips the idle ACCEPTING Job, if any, and returns its ID.
func (s *IdleSweeper) Sweep(ctx context.Context) (string, error) {
	flipped, err := s.store.SweepIdle(ctx, s.idleSeconds, common.NewJobID(), s.providerModel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if flipped != "" {
		s.logger.Info().Str("job_id", flipped).Int("idle_seconds", s.idleSeconds).Msg("flipped idle accepting job to pending")
	}
	return flipped, nil
}
