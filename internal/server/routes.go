package server

import "net/http"

// setupRoutes wires the Batcher's operator surface (spec.md §6.4): six
// thin wrappers over the batch-lifecycle components plus health/version.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	mux.HandleFunc("/api/batch/register-one", s.handleRegisterOne)
	mux.HandleFunc("/api/batch/register-all", s.handleRegisterAll)
	mux.HandleFunc("/api/batch/submit-now", s.handleSubmitNow)
	mux.HandleFunc("/api/batch/poll-now", s.handlePollNow)
	mux.HandleFunc("/api/batch/complete-now", s.handleCompleteNow)
	mux.HandleFunc("/api/batch/reset", s.handleReset)
	mux.HandleFunc("/api/batch/job-statistics", s.handleJobStatistics)

	mux.HandleFunc("/api/items/crawl", s.handleCrawlItem)
	mux.HandleFunc("/api/analyze/probe", s.handleAnalyzeProbe)
	mux.HandleFunc("/api/jobs/stream", s.handleJobsStream)
	mux.HandleFunc("/api/docs/", s.handleDocs)
	mux.HandleFunc("/api/job-definitions/export", s.handleJobDefinitionExport)
	mux.HandleFunc("/api/job-definitions/import", s.handleJobDefinitionImport)

	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	return mux
}
