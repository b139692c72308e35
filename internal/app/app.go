// Package app wires the Batcher's storage, broker, provider, and lifecycle
// components into one running application, grounded on
// internal/app/app.go's App-struct dependency-injection pattern, trimmed
// from the teacher's dozen-service web app down to the Batcher's much
// smaller dependency graph (one store, one broker, one provider, one
// scheduler loop).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/batch"
	"github.com/ternarybob/retriever/internal/broker"
	"github.com/ternarybob/retriever/internal/collaborators/crawler"
	"github.com/ternarybob/retriever/internal/common"
	"github.com/ternarybob/retriever/internal/interfaces"
	"github.com/ternarybob/retriever/internal/scheduler"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// App holds every live component the HTTP server and scheduler loop need.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB        *badgerstore.BadgerDB
	KVStorage interfaces.KeyValueStorage
	Store     *badgerstore.Store
	Broker    *broker.Broker
	Provider  llm.BatchProvider

	Accumulator *batch.Accumulator
	IdleSweeper *batch.IdleSweeper
	Submitter   *batch.Submitter
	Poller      *batch.Poller
	Completer   *batch.Completer
	Scheduler   *scheduler.Loop

	// Crawler backs POST /api/items/crawl. Always available: it only needs
	// a User-Agent and a timeout, never an external API key.
	Crawler *crawler.Crawler

	// ClaudeProbe backs POST /api/analyze/probe. Left nil when no
	// claude.api_key is configured; the handler reports 503 in that case
	// rather than failing application startup over an optional endpoint.
	ClaudeProbe *llm.ClaudeProbe
}

// New initializes every component and ensures one ACCEPTING Job exists
// before returning, mirroring PostAnalyzer.__aenter__'s startup guarantee.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	db, err := badgerstore.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	app.DB = db

	app.KVStorage = badgerstore.NewKVStorage(db, logger)
	app.Store = badgerstore.NewStore(db, logger, 5)

	visibilityTimeout, err := time.ParseDuration(cfg.Broker.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid broker.visibility_timeout '%s': %w", cfg.Broker.VisibilityTimeout, err)
	}
	brk, err := broker.New(db.Store(), visibilityTimeout, cfg.Broker.MaxReceive)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	app.Broker = brk

	ctx := context.Background()
	apiKey, err := common.ResolveAPIKey(ctx, app.KVStorage, "gemini_api_key", cfg.Gemini.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gemini api key: %w", err)
	}
	provider, err := llm.NewGeminiBatchProvider(ctx, &cfg.Gemini, apiKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini batch provider: %w", err)
	}
	app.Provider = provider

	storeTimeout, err := time.ParseDuration(cfg.Batcher.StoreTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid batcher.store_timeout '%s': %w", cfg.Batcher.StoreTimeout, err)
	}

	if err := app.Store.EnsureOpenAcceptingJob(ctx, common.NewJobID(), cfg.Batcher.ProviderModel); err != nil {
		return nil, fmt.Errorf("failed to ensure an open accepting job: %w", err)
	}

	app.Accumulator = batch.NewAccumulator(app.Store, logger, cfg.Batcher.MaxBatchBytes, cfg.Batcher.ProviderModel)
	app.IdleSweeper = batch.NewIdleSweeper(app.Store, logger, cfg.Batcher.IdleSeconds, cfg.Batcher.ProviderModel)
	app.Submitter = batch.NewSubmitter(app.Store, app.Provider, logger, cfg.Gemini.Temperature)
	app.Poller = batch.NewPoller(app.Store, app.Provider, logger)
	app.Completer = batch.NewCompleter(app.Store, app.Provider, logger)

	app.Scheduler = scheduler.New(scheduler.Dependencies{
		Store:        app.Store,
		Broker:       app.Broker,
		Accumulator:  app.Accumulator,
		IdleSweeper:  app.IdleSweeper,
		Submitter:    app.Submitter,
		Poller:       app.Poller,
		Completer:    app.Completer,
		Logger:       logger,
		StoreTimeout: storeTimeout,
	})

	cronExpr := fmt.Sprintf("@every %ds", cfg.Batcher.TickSeconds)
	if err := app.Scheduler.Start(cronExpr); err != nil {
		return nil, fmt.Errorf("failed to start scheduler loop: %w", err)
	}

	app.Crawler = crawler.New(cfg.Crawler, logger)

	if probe, probeErr := llm.NewClaudeProbe(&cfg.Claude, logger); probeErr != nil {
		logger.Debug().Err(probeErr).Msg("analyze probe endpoint disabled, no claude api key configured")
	} else {
		app.ClaudeProbe = probe
	}

	return app, nil
}

// Close stops the scheduler and releases the database handle.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
