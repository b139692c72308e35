package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

// handleDocs implements SPEC_FULL.md's GET /api/docs/: it renders the
// operator runbook directory (common.DocsConfig.Dir, default "./docs") from
// markdown to HTML. With no ?file= query parameter it lists the matching
// files instead of rendering one, so an operator can discover what's there.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.app.Config.Docs
	dir := cfg.Dir
	if dir == "" {
		dir = "./docs"
	}
	extensions := cfg.Extensions
	if len(extensions) == 0 {
		extensions = []string{".md"}
	}

	file := r.URL.Query().Get("file")
	if file == "" {
		names, err := listDocs(dir, extensions)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, batchStepResult{Status: "ok", Detail: names})
		return
	}

	if strings.Contains(file, "..") || filepath.IsAbs(file) {
		writeJSON(w, http.StatusBadRequest, batchStepResult{Status: "error", Error: "invalid file name"})
		return
	}

	source, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		writeJSON(w, http.StatusNotFound, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	var rendered strings.Builder
	if err := goldmark.Convert(source, &rendered); err != nil {
		writeJSON(w, http.StatusInternalServerError, batchStepResult{Status: "error", Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rendered.String()))
}

func listDocs(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		for _, allowed := range extensions {
			if strings.EqualFold(ext, allowed) {
				names = append(names, entry.Name())
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
