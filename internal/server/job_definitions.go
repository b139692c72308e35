package server

import (
	"io"
	"net/http"

	"gopkg.in/yaml.v3"
)

// jobDefinitionKVKey is where the current tunable profile lives in the KV
// store, alongside gemini_api_key/anthropic_api_key (internal/common's
// ResolveAPIKey convention).
const jobDefinitionKVKey = "batcher_job_definition"

// JobDefinition is the operator-editable subset of common.BatcherConfig:
// the knobs that make sense to tune at runtime without a restart, exported
// and imported as YAML (SPEC_FULL.md §6.4's job-definitions endpoints).
// Grounded on BatcherConfig in internal/common/config.go; MaxBatchBytes and
// the two timeouts are carried unchanged, IdleSeconds/TickSeconds name the
// same fields the Scheduler and IdleSweeper read at startup.
type JobDefinition struct {
	MaxBatchBytes   int64  `yaml:"max_batch_bytes"`
	IdleSeconds     int    `yaml:"idle_seconds"`
	TickSeconds     int    `yaml:"tick_seconds"`
	ProviderModel   string `yaml:"provider_model"`
	ProviderTimeout string `yaml:"provider_timeout"`
	StoreTimeout    string `yaml:"store_timeout"`
}

// handleJobDefinitionExport implements GET /api/job-definitions/export:
// the currently-running BatcherConfig, serialized as YAML. Whatever was
// last imported via handleJobDefinitionImport takes priority over the
// config the process booted with, mirroring how gemini_api_key/
// anthropic_api_key resolution prefers the KV store over config.go's
// fallback.
func (s *Server) handleJobDefinitionExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	def := JobDefinition{
		MaxBatchBytes:   s.app.Config.Batcher.MaxBatchBytes,
		IdleSeconds:     s.app.Config.Batcher.IdleSeconds,
		TickSeconds:     s.app.Config.Batcher.TickSeconds,
		ProviderModel:   s.app.Config.Batcher.ProviderModel,
		ProviderTimeout: s.app.Config.Batcher.ProviderTimeout,
		StoreTimeout:    s.app.Config.Batcher.StoreTimeout,
	}

	if stored, err := s.app.KVStorage.Get(r.Context(), jobDefinitionKVKey); err == nil {
		var saved JobDefinition
		if yamlErr := yaml.Unmarshal([]byte(stored), &saved); yamlErr == nil {
			def = saved
		}
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleJobDefinitionImport implements POST /api/job-definitions/import: a
// YAML body is validated and persisted to the KV store. It only takes
// effect for values Accumulator/IdleSweeper/Scheduler read fresh per call
// (MaxBatchBytes); TickSeconds requires a restart to re-register the cron
// schedule, same as every other config.go field.
func (s *Server) handleJobDefinitionImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	var def JobDefinition
	if err := yaml.Unmarshal(body, &def); err != nil {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "invalid yaml: " + err.Error()})
		return
	}
	if def.MaxBatchBytes <= 0 {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "max_batch_bytes must be positive"})
		return
	}

	out, err := yaml.Marshal(def)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}
	if _, err := s.app.KVStorage.Upsert(r.Context(), jobDefinitionKVKey, string(out), "imported batcher job definition"); err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	s.app.Accumulator.SetMaxBatchBytes(def.MaxBatchBytes)

	writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: def})
}
