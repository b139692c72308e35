package batch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	"github.com/ternarybob/retriever/internal/models"
	"github.com/ternarybob/retriever/internal/services/llm"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// errProviderDown is a stand-in provider failure used by tests that only
// care that a provider error surfaces, not its exact value.
var errProviderDown = errors.New("fake provider: unavailable")

func newTestStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return badgerstore.NewStore(db, logger, 5)
}

func seedItem(t *testing.T, store *badgerstore.Store, itemID, text string) {
	t.Helper()
	require.NoError(t, store.UpsertItem(context.Background(), &models.Item{ItemID: itemID, Text: text}))
}

// fakeProvider is a hand-written llm.BatchProvider stand-in: no network
// calls, behavior fully controlled by the test via its func fields.
type fakeProvider struct {
	mu sync.Mutex

	uploadErr  error
	nextHandle string
	uploads    []uploadCall

	statusFunc   func(handle string) (llm.BatchStatus, error)
	downloadFunc func(resultFile string) ([]byte, error)
}

type uploadCall struct {
	DisplayName string
	Model       string
	Body        []byte
}

func (f *fakeProvider) UploadAndSubmit(ctx context.Context, displayName string, jsonlContent []byte, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, uploadCall{DisplayName: displayName, Model: model, Body: jsonlContent})
	handle := f.nextHandle
	if handle == "" {
		handle = "handle-1"
	}
	return handle, nil
}

func (f *fakeProvider) Status(ctx context.Context, handle string) (llm.BatchStatus, error) {
	if f.statusFunc != nil {
		return f.statusFunc(handle)
	}
	return llm.BatchStatus{State: llm.BatchStateSucceeded, ResultFile: "result-file"}, nil
}

func (f *fakeProvider) DownloadResult(ctx context.Context, resultFile string) ([]byte, error) {
	if f.downloadFunc != nil {
		return f.downloadFunc(resultFile)
	}
	return nil, nil
}

var _ llm.BatchProvider = (*fakeProvider)(nil)
