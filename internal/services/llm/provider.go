package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// BatchState is the provider-agnostic remote state of a submitted batch,
// mapped from Gemini's JOB_STATE_* enum (GeminiBatchJobState in
// original_source/genai/analyzers/post.py).
type BatchState int

const (
	BatchStateUnknown BatchState = iota
	BatchStatePending
	BatchStateRunning
	BatchStateSucceeded
	BatchStateFailed
	BatchStateCancelled
	BatchStateExpired
)

// BatchStatus is what the Poller needs to decide a Job's next transition.
type BatchStatus struct {
	State        BatchState
	ResultFile   string // populated once State == BatchStateSucceeded
}

// BatchProvider is the capability contract the Submitter/Poller/Completer
// depend on, letting internal/batch stay provider-agnostic (SPEC_FULL.md
// §6's "provider" collaborator boundary). GeminiBatchProvider is the only
// implementation; a second provider would satisfy the same interface.
type BatchProvider interface {
	// UploadAndSubmit uploads a JSONL request file and creates a batch job
	// over it, returning the provider's opaque handle (PostAnalyzer.
	// submit_batch's client.files.upload + client.batches.create pair).
	UploadAndSubmit(ctx context.Context, displayName string, jsonlContent []byte, model string) (handle string, err error)

	// Status polls the provider for a submitted job's current state
	// (PostAnalyzer.check_batch_status's client.batches.get).
	Status(ctx context.Context, handle string) (BatchStatus, error)

	// DownloadResult fetches the raw JSONL result file content
	// (PostAnalyzer.complete_jobs's client.files.download).
	DownloadResult(ctx context.Context, resultFile string) ([]byte, error)
}

// GeminiBatchProvider implements BatchProvider over google.golang.org/genai,
// grounded on internal/services/llm/gemini_service.go's client-construction
// pattern, generalized from the single-shot Models.GenerateContent call to
// the Files.Upload/Batches.Create/Get/Files.Download surface that
// PostAnalyzer.submit_batch/check_batch_status/complete_jobs exercise in
// original_source/genai/analyzers/post.py.
type GeminiBatchProvider struct {
	client  *genai.Client
	logger  arbor.ILogger
	retry   *GeminiRetryConfig
	timeout time.Duration

	// limiter paces every Submit/Status/Download call at cfg.RateLimit
	// (spec.md §4.5/§4.8's "a provider call every RateLimit interval"),
	// generalized off PostAnalyzer's time.sleep(RATE_LIMIT_SECONDS) between
	// successive client.batches.create calls in
	// original_source/genai/analyzers/post.py.
	limiter *rate.Limiter
}

// NewGeminiBatchProvider resolves the API key exactly as NewGeminiService
// does (KV-store-first, config fallback) and opens one genai.Client shared
// across Submit/Poll/Complete.
func NewGeminiBatchProvider(ctx context.Context, cfg *common.GeminiConfig, apiKey string, logger arbor.ILogger) (*GeminiBatchProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required for the batch provider")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid gemini timeout '%s': %w", cfg.Timeout, err)
	}

	rateLimit := cfg.RateLimit
	if rateLimit == "" {
		rateLimit = "4s"
	}
	interval, err := time.ParseDuration(rateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid gemini rate_limit '%s': %w", rateLimit, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return &GeminiBatchProvider{
		client:  client,
		logger:  logger,
		retry:   NewDefaultRetryConfig(),
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// withRetry wraps a provider call with the flood-wait backoff derived from
// gemini_retry.go, so every provider operation gets the same 429 handling.
// Every call first waits on the limiter, pacing requests to the provider at
// no more than one per RateLimit interval regardless of retry churn.
func (p *GeminiBatchProvider) withRetry(ctx context.Context, op func() error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.retry.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRateLimitError(lastErr) {
			return lastErr
		}
		delay := p.retry.CalculateBackoff(attempt, ExtractRetryDelay(lastErr))
		p.logger.Warn().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("gemini rate limited, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("gemini: exhausted retries: %w", lastErr)
}

func (p *GeminiBatchProvider) UploadAndSubmit(ctx context.Context, displayName string, jsonlContent []byte, model string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var uploaded *genai.File
	err := p.withRetry(timeoutCtx, func() error {
		var uploadErr error
		uploaded, uploadErr = p.client.Files.Upload(timeoutCtx, strings.NewReader(string(jsonlContent)), &genai.UploadFileConfig{
			DisplayName: displayName,
			MIMEType:    "application/jsonl",
		})
		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload batch request file: %w", err)
	}

	var batchJob *genai.BatchJob
	err = p.withRetry(timeoutCtx, func() error {
		var createErr error
		batchJob, createErr = p.client.Batches.Create(timeoutCtx, model, &genai.BatchJobSource{FileName: uploaded.Name}, &genai.CreateBatchJobConfig{
			DisplayName: displayName,
		})
		return createErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to create batch job: %w", err)
	}

	return batchJob.Name, nil
}

func (p *GeminiBatchProvider) Status(ctx context.Context, handle string) (BatchStatus, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var batchJob *genai.BatchJob
	err := p.withRetry(timeoutCtx, func() error {
		var getErr error
		batchJob, getErr = p.client.Batches.Get(timeoutCtx, handle, nil)
		return getErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "NOT_FOUND") {
			return BatchStatus{}, ErrBatchNotFound
		}
		return BatchStatus{}, err
	}

	status := BatchStatus{State: mapBatchState(string(batchJob.State))}
	if status.State == BatchStateSucceeded && batchJob.Dest != nil {
		status.ResultFile = batchJob.Dest.FileName
	}
	return status, nil
}

func (p *GeminiBatchProvider) DownloadResult(ctx context.Context, resultFile string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var content []byte
	err := p.withRetry(timeoutCtx, func() error {
		var dlErr error
		content, dlErr = p.client.Files.Download(timeoutCtx, &genai.FileToDownload{Name: resultFile}, nil)
		return dlErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download result file %s: %w", resultFile, err)
	}
	return content, nil
}

// ErrBatchNotFound mirrors the "MongoDB에 gemini 작업 성공으로 표시된 배치 작업이
// gemini batch 대기열에 없습니다" branch in PostAnalyzer.check_batch_status /
// complete_jobs: the Job Store thinks a batch is in flight but the provider
// has no record of it.
var ErrBatchNotFound = errors.New("gemini: batch job not found")

func mapBatchState(state string) BatchState {
	switch state {
	case "JOB_STATE_PENDING":
		return BatchStatePending
	case "JOB_STATE_RUNNING":
		return BatchStateRunning
	case "JOB_STATE_SUCCEEDED":
		return BatchStateSucceeded
	case "JOB_STATE_FAILED":
		return BatchStateFailed
	case "JOB_STATE_CANCELLED":
		return BatchStateCancelled
	case "JOB_STATE_EXPIRED":
		return BatchStateExpired
	default:
		return BatchStateUnknown
	}
}
