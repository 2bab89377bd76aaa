package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

type fakeResultStore struct {
	updateFound bool
	updateErr   error
	saved       []string
	saveErr     error
	templateErr error

	lastDocumentID int64
	lastAnalysis   map[string]string
}

func (f *fakeResultStore) UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) (bool, error) {
	f.lastDocumentID = documentID
	return f.updateFound, f.updateErr
}
func (f *fakeResultStore) SaveSpecializedAnalysis(ctx context.Context, documentID int64, analysis map[string]string) ([]string, error) {
	f.lastDocumentID = documentID
	f.lastAnalysis = analysis
	return f.saved, f.saveErr
}
func (f *fakeResultStore) SaveTemplateProcessing(ctx context.Context, documentID int64, experimentName string, resultsJSON json.RawMessage) error {
	f.lastDocumentID = documentID
	return f.templateErr
}

type fakeQueueManager struct {
	progressErr error
	stats       queue.QueueStats
	statsErr    error
}

func (f *fakeQueueManager) UpdateProgressForDocument(ctx context.Context, documentID int64, percent int, step, message string) error {
	return f.progressErr
}
func (f *fakeQueueManager) GetQueueStats(ctx context.Context) (queue.QueueStats, error) {
	return f.stats, f.statsErr
}

func newTestHandlers(store *fakeResultStore, q *fakeQueueManager) *Handlers {
	return NewHandlers(store, q, logging.NewFromEnv("ingest-test"))
}

func TestUpdateProcessingProgress_NoInFlightTaskReturns200Warning(t *testing.T) {
	q := &fakeQueueManager{progressErr: queue.ErrTaskNotFound}
	h := newTestHandlers(&fakeResultStore{}, q)

	body, _ := json.Marshal(updateProgressRequest{DocumentID: 9999, ProgressPercentage: 42, CurrentStep: "extraction"})
	req := httptest.NewRequest("POST", "/internal/update-processing-progress", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.UpdateProcessingProgress()(rec, req)

	assert.Equal(t, 200, rec.Code)
	var resp genericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Warning)
}

func TestUpdateProcessingProgress_Success(t *testing.T) {
	q := &fakeQueueManager{}
	h := newTestHandlers(&fakeResultStore{}, q)

	body, _ := json.Marshal(updateProgressRequest{DocumentID: 1, ProgressPercentage: 50})
	req := httptest.NewRequest("POST", "/internal/update-processing-progress", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.UpdateProcessingProgress()(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestSaveSpecializedAnalysis_ReturnsSavedList(t *testing.T) {
	store := &fakeResultStore{saved: []string{"clinical_validation"}}
	h := newTestHandlers(store, &fakeQueueManager{})

	body, _ := json.Marshal(saveSpecializedAnalysisRequest{
		DocumentID:          5,
		SpecializedAnalysis: map[string]string{"clinical_validation": "good"},
	})
	req := httptest.NewRequest("POST", "/internal/save-specialized-analysis", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SaveSpecializedAnalysis()(rec, req)

	assert.Equal(t, 200, rec.Code)
	var resp saveSpecializedAnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"clinical_validation"}, resp.SavedAnalyses)
	assert.Equal(t, int64(5), store.lastDocumentID)
}

func TestSaveTemplateProcessing_DefaultsEmptyResultsToObject(t *testing.T) {
	store := &fakeResultStore{}
	h := newTestHandlers(store, &fakeQueueManager{})

	body, _ := json.Marshal(saveTemplateProcessingRequest{ExperimentName: "exp-1", DocumentID: 3})
	req := httptest.NewRequest("POST", "/internal/save-template-processing", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SaveTemplateProcessing()(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, int64(3), store.lastDocumentID)
}

func TestUpdateDeckResults_UnknownDocumentReturns200Warning(t *testing.T) {
	store := &fakeResultStore{updateFound: false}
	h := newTestHandlers(store, &fakeQueueManager{})

	body, _ := json.Marshal(updateDeckResultsRequest{DocumentID: 12345, ProcessingStatus: "completed"})
	req := httptest.NewRequest("POST", "/internal/update-deck-results", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.UpdateDeckResults()(rec, req)

	assert.Equal(t, 200, rec.Code)
	var resp genericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Warning)
}

func TestQueueStats_ReturnsStats(t *testing.T) {
	q := &fakeQueueManager{stats: queue.QueueStats{Queued: 3, Processing: 1}}
	h := newTestHandlers(&fakeResultStore{}, q)

	req := httptest.NewRequest("GET", "/internal/queue/stats", nil)
	rec := httptest.NewRecorder()

	h.QueueStats()(rec, req)

	assert.Equal(t, 200, rec.Code)
	var stats queue.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Queued)
}
