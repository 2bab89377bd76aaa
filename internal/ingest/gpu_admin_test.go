package ingest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/pitchqueue/internal/gpuclient"
)

type fakeGPUAdmin struct {
	status     gpuclient.Status
	models     []gpuclient.ModelInfo
	listErr    error
	pullErr    error
	deleteErr  error
	lastPull   string
	lastDelete string
}

func (f *fakeGPUAdmin) CheckStatus(ctx context.Context) gpuclient.Status { return f.status }
func (f *fakeGPUAdmin) ListModels(ctx context.Context) ([]gpuclient.ModelInfo, error) {
	return f.models, f.listErr
}
func (f *fakeGPUAdmin) PullModel(ctx context.Context, name string) error {
	f.lastPull = name
	return f.pullErr
}
func (f *fakeGPUAdmin) DeleteModel(ctx context.Context, name string) error {
	f.lastDelete = name
	return f.deleteErr
}

func newTestRouter(gpu *fakeGPUAdmin) *mux.Router {
	router := mux.NewRouter()
	NewGPUAdminHandlers(gpu).Register(router)
	return router
}

func TestGPUAdmin_Status(t *testing.T) {
	gpu := &fakeGPUAdmin{status: gpuclient.Status{Online: true, WorkerStatus: "ok"}}
	router := newTestRouter(gpu)

	req := httptest.NewRequest("GET", "/internal/gpu/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var status gpuclient.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Online)
}

func TestGPUAdmin_ListModels(t *testing.T) {
	gpu := &fakeGPUAdmin{models: []gpuclient.ModelInfo{{Name: "llava"}}}
	router := newTestRouter(gpu)

	req := httptest.NewRequest("GET", "/internal/gpu/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "llava")
}

func TestGPUAdmin_PullModel(t *testing.T) {
	gpu := &fakeGPUAdmin{}
	router := newTestRouter(gpu)

	req := httptest.NewRequest("POST", "/internal/gpu/models/llava", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "llava", gpu.lastPull)
}

func TestGPUAdmin_DeleteModel(t *testing.T) {
	gpu := &fakeGPUAdmin{}
	router := newTestRouter(gpu)

	req := httptest.NewRequest("DELETE", "/internal/gpu/models/llava", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "llava", gpu.lastDelete)
}

func TestGPUAdmin_ListModelsError(t *testing.T) {
	gpu := &fakeGPUAdmin{listErr: assert.AnError}
	router := newTestRouter(gpu)

	req := httptest.NewRequest("GET", "/internal/gpu/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
}
