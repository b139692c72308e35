package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	"golang.org/x/time/rate"
)

// ClaudeProbe is the ad-hoc single-item analysis path (SPEC_FULL.md §6.4's
// /api/analyze/probe): an operator pastes one item's text and gets back the
// same analysis shape the batch pipeline would produce, without waiting on
// a Job to fill and submit. Grounded on ClaudeService in
// internal/services/llm/claude_service.go, trimmed to the single
// Messages.New call a probe needs and dropping the KV-backed API key
// resolution (the Batcher reads ClaudeConfig.APIKey directly).
type ClaudeProbe struct {
	client      *anthropic.Client
	logger      arbor.ILogger
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	limiter     *rate.Limiter
}

// NewClaudeProbe constructs the probe from ClaudeConfig. Returns an error if
// no API key is configured; the probe endpoint is optional infrastructure,
// not a hard dependency of the batch pipeline.
func NewClaudeProbe(cfg *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeProbe, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("claude.api_key is required for the analyze probe endpoint")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-haiku-3-5-20241022"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid claude timeout '%s': %w", cfg.Timeout, err)
	}

	rateLimit := cfg.RateLimit
	if rateLimit == "" {
		rateLimit = "1s"
	}
	interval, err := time.ParseDuration(rateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid claude rate_limit '%s': %w", rateLimit, err)
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	return &ClaudeProbe{
		client:      &client,
		logger:      logger,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Analyze runs the same drugs_related/promotions instruction the batch
// pipeline sends to Gemini (analysisInstruction in internal/batch/request.go)
// against a single title/text pair, returning Claude's raw JSON response
// text for the caller to unmarshal into models.Analysis.
func (p *ClaudeProbe) Analyze(ctx context.Context, title, text string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	instruction := "Return a strict JSON object with keys: drugs_related (boolean), " +
		"promotions (array of objects with keys 'content' and 'identifiers' (array of strings)). " +
		"Do not include any text outside of the JSON."
	body := fmt.Sprintf("Analyze the following webpage:\n\nTitle: %s\n\nContent: %s", title, text)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: instruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(body)),
		},
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(float64(p.temperature))
	}

	resp, err := p.client.Messages.New(timeoutCtx, params)
	if err != nil {
		return "", fmt.Errorf("claude probe call failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("claude probe returned no text content")
	}
	return out.String(), nil
}
