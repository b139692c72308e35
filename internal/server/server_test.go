package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/app"
	"github.com/ternarybob/retriever/internal/batch"
	"github.com/ternarybob/retriever/internal/broker"
	"github.com/ternarybob/retriever/internal/collaborators/crawler"
	"github.com/ternarybob/retriever/internal/common"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
	"gopkg.in/yaml.v3"
)

// fakeProvider is a no-op llm.BatchProvider, local to the server package so
// its handler tests never reach the network; none of the tests here drive a
// Job through submit/poll/complete, they only need Submitter/Poller/
// Completer to exist so App.New's dependents compile and route.
type fakeProvider struct{}

func (f *fakeProvider) UploadAndSubmit(ctx context.Context, displayName string, jsonlContent []byte, model string) (string, error) {
	return "handle-1", nil
}

func (f *fakeProvider) Status(ctx context.Context, handle string) (llm.BatchStatus, error) {
	return llm.BatchStatus{State: llm.BatchStatePending}, nil
}

func (f *fakeProvider) DownloadResult(ctx context.Context, resultFile string) ([]byte, error) {
	return nil, nil
}

var _ llm.BatchProvider = (*fakeProvider)(nil)

// newTestServer builds a Server around a hand-assembled App, bypassing
// app.New (which would dial the real Gemini API and crawl-config defaults)
// so every handler test runs against a real temp-dir Badger store with no
// network dependency beyond the crawler test's own httptest page.
func newTestServer(t *testing.T, docsDir string) *Server {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := badgerstore.NewStore(db, logger, 5)
	require.NoError(t, store.EnsureOpenAcceptingJob(context.Background(), common.NewJobID(), "gemini-2.5-flash"))

	brk, err := broker.New(db.Store(), time.Minute, 5)
	require.NoError(t, err)

	provider := &fakeProvider{}
	cfg := common.NewDefaultConfig()
	cfg.Docs.Dir = docsDir
	cfg.Batcher.MaxBatchBytes = 1_000_000
	cfg.Batcher.ProviderModel = "gemini-2.5-flash"

	a := &app.App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		KVStorage:   badgerstore.NewKVStorage(db, logger),
		Store:       store,
		Broker:      brk,
		Provider:    provider,
		Accumulator: batch.NewAccumulator(store, logger, cfg.Batcher.MaxBatchBytes, cfg.Batcher.ProviderModel),
		IdleSweeper: batch.NewIdleSweeper(store, logger, cfg.Batcher.IdleSeconds, cfg.Batcher.ProviderModel),
		Submitter:   batch.NewSubmitter(store, provider, logger, cfg.Gemini.Temperature),
		Poller:      batch.NewPoller(store, provider, logger),
		Completer:   batch.NewCompleter(store, provider, logger),
		Crawler:     crawler.New(cfg.Crawler, logger),
	}

	return New(a)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterOne_ThenJobStatistics(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.app.Store.UpsertItem(ctx, &models.Item{ItemID: "item-1", Text: "some text"}))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/batch/register-one", itemIDRequest{ItemID: "item-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result batchStepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "ok", result.Status)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/batch/job-statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterOne_UnknownItemReturnsNotFound(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/batch/register-one", itemIDRequest{ItemID: "does-not-exist"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAll_CountsEligibleItems(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.app.Store.UpsertItem(ctx, &models.Item{ItemID: "item-1", Text: "text"}))
	require.NoError(t, s.app.Store.UpsertItem(ctx, &models.Item{ItemID: "item-2", Text: ""}))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/batch/register-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result batchStepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	detail, ok := result.Detail.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), detail["registered"])
}

func TestReset_FlipsNonCompletedJobs(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/batch/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowedOnPostOnlyRoute(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/batch/submit-now", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAnalyzeProbe_DisabledWithoutClaudeAPIKey(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	require.Nil(t, s.app.ClaudeProbe)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/analyze/probe", analyzeProbeRequest{Text: "hello"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDocs_ListRenderAndPathTraversalGuard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runbook.md"), []byte("# Runbook\n\nSome *operator* notes."), 0o644))
	s := newTestServer(t, dir)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/docs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResult batchStepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResult))
	names, ok := listResult.Detail.([]any)
	require.True(t, ok)
	require.Contains(t, names, "runbook.md")

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/docs/?file=runbook.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>Runbook</h1>")

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/docs/?file=../../etc/passwd", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlItem_UpsertsItemFromFetchedPage(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Test Page</title></head><body><p>hello world</p></body></html>`))
	}))
	defer page.Close()

	s := newTestServer(t, t.TempDir())
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/items/crawl", crawlRequest{URL: page.URL})
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := s.app.Store.GetItem(context.Background(), page.URL)
	require.NoError(t, err)
	require.Equal(t, "Test Page", item.Title)
	require.Contains(t, item.Text, "hello world")
}

func TestCrawlItem_RequiresURL(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/items/crawl", crawlRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobDefinitions_ExportImportRoundTrip(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/job-definitions/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "max_batch_bytes")

	def := JobDefinition{
		MaxBatchBytes:   42,
		IdleSeconds:     30,
		TickSeconds:     10,
		ProviderModel:   "gemini-2.5-flash",
		ProviderTimeout: "60s",
		StoreTimeout:    "10s",
	}
	req := httptest.NewRequest(http.MethodPost, "/api/job-definitions/import", strings.NewReader(toYAML(t, def)))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/job-definitions/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "max_batch_bytes: 42")
}

func TestJobDefinitions_ImportRejectsNonPositiveMaxBatchBytes(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	def := JobDefinition{MaxBatchBytes: 0}
	req := httptest.NewRequest(http.MethodPost, "/api/job-definitions/import", strings.NewReader(toYAML(t, def)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func toYAML(t *testing.T, def JobDefinition) string {
	t.Helper()
	data, err := yaml.Marshal(def)
	require.NoError(t, err)
	return string(data)
}

func TestJobsStream_SendsInitialStatistics(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/jobs/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "job_statistics", msg.Type)
}
