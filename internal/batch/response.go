package batch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/retriever/internal/models"
)

var validate = validator.New()

// resultLine is one JSONL row of a downloaded batch result file, mirroring
// the shape PostAnalyzer.complete_jobs reads with safe_get(response,
// "response", "candidates", 0, "content", "parts", 0, "text"). Unlike the
// original's manual nested-key walk, decoding is schema-driven here
// (SPEC_FULL.md §9's design note) so a shape mismatch surfaces as a single
// ErrMalformedResponse instead of a silently-skipped key.
type resultLine struct {
	Key      string `json:"key"`
	Response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	} `json:"response"`
}

// ParsedResult is one decoded-and-validated result row ready to apply onto
// an Item.
type ParsedResult struct {
	ItemID   string
	Analysis *models.Analysis
}

// ParseResultFile decodes a downloaded JSONL result file into validated
// Analysis payloads, one per line, skipping (and logging via the returned
// skipped count) any row that fails to decode or fails schema validation -
// the Go-native replacement for PostAnalyzer.safe_get's best-effort walk.
func ParseResultFile(content []byte) (results []ParsedResult, skipped int, err error) {
	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var row resultLine
		if decodeErr := json.Unmarshal([]byte(line), &row); decodeErr != nil {
			skipped++
			continue
		}
		if row.Key == "" || len(row.Response.Candidates) == 0 || len(row.Response.Candidates[0].Content.Parts) == 0 {
			skipped++
			continue
		}

		text := row.Response.Candidates[0].Content.Parts[0].Text
		var analysis models.Analysis
		if decodeErr := json.Unmarshal([]byte(text), &analysis); decodeErr != nil {
			skipped++
			continue
		}
		if valErr := validate.Struct(&analysis); valErr != nil {
			skipped++
			continue
		}

		results = append(results, ParsedResult{ItemID: row.Key, Analysis: &analysis})
	}

	if len(results) == 0 && skipped > 0 {
		return nil, skipped, fmt.Errorf("%w: all %d lines failed to parse", ErrMalformedResponse, skipped)
	}
	return results, skipped, nil
}
