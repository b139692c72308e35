package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/retriever/internal/models"
)

// crawlRequest names an Item to create/refresh from a live page fetch.
// ItemID defaults to the URL itself when omitted, so a caller can crawl an
// ad-hoc URL without first minting an identifier.
type crawlRequest struct {
	ItemID      string `json:"item_id"`
	URL         string `json:"url"`
	SourceQuery string `json:"source_query"`
}

// handleCrawlItem implements SPEC_FULL.md's /api/items/crawl: the
// collaborators/crawler stand-in fetches one URL, and the extracted
// title/text is upserted as an Item, making it immediately eligible for
// register-one/register-all.
func (s *Server) handleCrawlItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "url is required"})
		return
	}
	itemID := req.ItemID
	if itemID == "" {
		itemID = req.URL
	}

	page, err := s.app.Crawler.Crawl(r.Context(), req.URL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	now := time.Now().UTC()
	item := &models.Item{
		ItemID:      itemID,
		Title:       page.Title,
		Link:        page.URL,
		Text:        page.Text,
		SourceQuery: req.SourceQuery,
		CrawledAt:   &now,
		UpdatedAt:   now,
	}
	if existing, getErr := s.app.Store.GetItem(r.Context(), itemID); getErr == nil {
		item.Analysis = existing.Analysis
		item.AnalysisJobID = existing.AnalysisJobID
	}

	if err := s.app.Store.UpsertItem(r.Context(), item); err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: item})
}

// analyzeProbeRequest is one ad-hoc item to analyze outside the batch
// pipeline.
type analyzeProbeRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// handleAnalyzeProbe implements SPEC_FULL.md's POST /api/analyze/probe: a
// single-item analysis via Claude, for an operator who wants to check the
// analysis prompt against one page without waiting on a Job to fill.
func (s *Server) handleAnalyzeProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.app.ClaudeProbe == nil {
		writeJSON(w, http.StatusServiceUnavailable, batchStepResult{Status: "error", Error: "analyze probe is disabled, no claude.api_key configured"})
		return
	}

	var req analyzeProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "text is required"})
		return
	}

	raw, err := s.app.ClaudeProbe.Analyze(r.Context(), req.Title, req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	var analysis models.Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: map[string]string{"raw": raw}})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: analysis})
}
