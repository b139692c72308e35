package server

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/retriever/internal/batch"
	"github.com/ternarybob/retriever/internal/common"
	"github.com/ternarybob/retriever/internal/models"
)

func estimateItemSize(item *models.Item, temperature float32) (int64, error) {
	return batch.EstimateRequestSize(item, temperature)
}

type itemIDRequest struct {
	ItemID string `json:"item_id"`
}

type batchStepResult struct {
	Status string `json:"status"`
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleRegisterOne implements spec.md §6.4's register-one: accepts one
// Item's identifier, estimates its request size, and registers it into the
// open ACCEPTING Job via the Accumulator (Component C2).
func (s *Server) handleRegisterOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req itemIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "item_id is required"})
		return
	}

	item, err := s.app.Store.GetItem(r.Context(), req.ItemID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	size, err := estimateItemSize(item, s.app.Config.Gemini.Temperature)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	result, err := s.app.Accumulator.Register(r.Context(), item.ItemID, size)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: result})
}

// handleRegisterAll implements spec.md §6.4's register-all: a full scan of
// every crawled-but-unregistered Item.
func (s *Server) handleRegisterAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	registered, duplicates, failed, err := s.app.Accumulator.RegisterAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: map[string]int{
		"registered": registered, "duplicates": duplicates, "failed": failed,
	}})
}

// handleSubmitNow implements spec.md §6.4's submit-now.
func (s *Server) handleSubmitNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	submitted, failed, err := s.app.Submitter.SubmitAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: map[string]int{"submitted": submitted, "failed": failed}})
}

// handlePollNow implements spec.md §6.4's poll-now.
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	processed, failed, err := s.app.Poller.PollAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: map[string]int{"processed": processed, "failed": failed}})
}

// handleCompleteNow implements spec.md §6.4's complete-now.
func (s *Server) handleCompleteNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.app.Completer.CompleteAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: result})
}

// handleReset implements spec.md §6.4's reset: flips every non-COMPLETED
// Job to FAILED and re-ensures a single open ACCEPTING Job.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	failedCount, err := s.app.Store.Reset(r.Context(), common.NewJobID(), s.app.Config.Batcher.ProviderModel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: map[string]int{"failed_jobs": failedCount}})
}

// handleJobStatistics implements spec.md §6.4's job-statistics: the current
// Job-status histogram, per §6.4's user-visible-behaviour note.
func (s *Server) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.app.Store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: stats})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": common.GetVersion()})
}
