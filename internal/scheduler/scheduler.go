// Package scheduler implements Component C8 (spec.md §4.8): the
// Scheduler Loop that ticks the batch lifecycle forward - Idle Sweep,
// Submit, Poll, Complete, then Fan-out - on a fixed interval, never letting
// two ticks run concurrently. Grounded on
// internal/services/scheduler/scheduler_service.go's robfig/cron +
// globalMu + panic-recovery pattern, trimmed down from that file's general
// named-job registry to the Batcher's single fixed pipeline tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/batch"
	"github.com/ternarybob/retriever/internal/broker"
	"github.com/ternarybob/retriever/internal/common"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// Loop runs the Batcher's fixed pipeline on a tick, per spec.md §4.8's
// ordered step list: Idle Sweep -> Submit -> Poll -> Complete -> Fan-out.
type Loop struct {
	store       *badgerstore.Store
	broker      *broker.Broker
	accumulator *batch.Accumulator
	idleSweeper *batch.IdleSweeper
	submitter   *batch.Submitter
	poller      *batch.Poller
	completer   *batch.Completer
	logger      arbor.ILogger

	cron         *cron.Cron
	entryID      cron.EntryID
	globalMu     sync.Mutex // prevents a tick from overlapping itself
	storeTimeout time.Duration
	lastErr      error
	lastRun      time.Time
}

// Dependencies bundles the collaborators a Loop needs, assembled by
// cmd/retriever/main.go's wiring step.
type Dependencies struct {
	Store        *badgerstore.Store
	Broker       *broker.Broker
	Accumulator  *batch.Accumulator
	IdleSweeper  *batch.IdleSweeper
	Submitter    *batch.Submitter
	Poller       *batch.Poller
	Completer    *batch.Completer
	Logger       arbor.ILogger
	StoreTimeout time.Duration
}

func New(deps Dependencies) *Loop {
	return &Loop{
		store:        deps.Store,
		broker:       deps.Broker,
		accumulator:  deps.Accumulator,
		idleSweeper:  deps.IdleSweeper,
		submitter:    deps.Submitter,
		poller:       deps.Poller,
		completer:    deps.Completer,
		logger:       deps.Logger,
		cron:         cron.New(),
		storeTimeout: deps.StoreTimeout,
	}
}

// Start registers the tick with the given cron schedule (e.g. "*/1 * * * *"
// for a 60-second TickSeconds) and starts the cron scheduler.
func (l *Loop) Start(cronExpr string) error {
	if err := common.ValidateJobSchedule(cronExpr); err != nil {
		return fmt.Errorf("invalid scheduler schedule: %w", err)
	}

	entryID, err := l.cron.AddFunc(cronExpr, l.runTick)
	if err != nil {
		return fmt.Errorf("failed to register scheduler tick: %w", err)
	}
	l.entryID = entryID
	l.cron.Start()
	l.logger.Info().Str("schedule", cronExpr).Msg("scheduler loop started")
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight tick to finish.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	l.logger.Info().Msg("scheduler loop stopped")
}

// TriggerNow runs one tick immediately and synchronously, used by the
// admin API's manual operations (spec.md §6.4).
func (l *Loop) TriggerNow(ctx context.Context) error {
	return l.tick(ctx)
}

func (l *Loop) runTick() {
	ctx := context.Background()
	if err := l.tick(ctx); err != nil {
		l.logger.Error().Err(err).Msg("scheduler tick failed")
	}
}

// tick runs the full pipeline once under globalMu, so a slow provider call
// never causes two ticks to race each other (spec.md §5).
func (l *Loop) tick(ctx context.Context) (err error) {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("stack", common.GetStackTrace()).Msg("PANIC RECOVERED in scheduler tick")
			err = fmt.Errorf("scheduler tick panicked: %v", r)
		}
		l.lastErr = err
		l.lastRun = time.Now()
	}()

	start := time.Now()
	l.logger.Debug().Msg("scheduler tick starting")

	if _, sweepErr := l.idleSweeper.Sweep(ctx); sweepErr != nil {
		l.logger.Warn().Err(sweepErr).Msg("idle sweep step failed")
	}

	if _, _, submitErr := l.submitter.SubmitAll(ctx); submitErr != nil {
		l.logger.Warn().Err(submitErr).Msg("submit step failed")
	}

	if _, _, pollErr := l.poller.PollAll(ctx); pollErr != nil {
		l.logger.Warn().Err(pollErr).Msg("poll step failed")
	}

	completion, completeErr := l.completer.CompleteAll(ctx)
	if completeErr != nil {
		l.logger.Warn().Err(completeErr).Msg("complete step failed")
	}

	if completion.CompletedJobCount > 0 {
		if fanOutErr := l.fanOut(ctx); fanOutErr != nil {
			l.logger.Warn().Err(fanOutErr).Msg("fan-out step failed")
		}
	}

	l.logger.Info().Dur("duration", time.Since(start)).Msg("scheduler tick complete")
	return nil
}

// fanOut walks every Item with unprocessed identifiers and enqueues a
// join/ingest task onto the telegram queue, keyed by itemID+promotion+
// identifier so a retried fan-out never double-enqueues the same target
// (spec.md §4.8, §6.3).
func (l *Loop) fanOut(ctx context.Context) error {
	pending, err := l.store.UnprocessedIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan unprocessed identifiers: %w", err)
	}

	enqueued := 0
	for _, p := range pending {
		key := fmt.Sprintf("%s:%d:%d", p.ItemID, p.PromotionIndex, p.IdentifierIndex)
		payload, marshalErr := marshalTelegramTask(p)
		if marshalErr != nil {
			l.logger.Warn().Err(marshalErr).Msg("failed to marshal telegram task payload")
			continue
		}

		if err := l.broker.Enqueue(ctx, broker.QueueTelegram, broker.Message{Type: "join_channel", Payload: payload}, key); err != nil {
			if err == broker.ErrDuplicateMessage {
				continue
			}
			l.logger.Warn().Err(err).Str("item_id", p.ItemID).Msg("failed to enqueue telegram task")
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		l.logger.Info().Int("count", enqueued).Msg("fanned out telegram join tasks")
	}
	return nil
}
