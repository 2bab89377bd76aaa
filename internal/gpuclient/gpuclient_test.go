package gpuclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	srv := httptest.NewServer(handler)
	c, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	return c, srv.Close
}

func TestRunVisualAnalysisBatch_Success(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/run-visual-analysis-batch", r.URL.Path)
		var req VisualAnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int64{101}, req.DeckIDs)
		json.NewEncoder(w).Encode(VisualAnalysisResponse{Success: true, SlideImages: []string{"slide-1.png"}})
	}))
	defer closeFn()

	resp, err := c.RunVisualAnalysisBatch(context.Background(), VisualAnalysisRequest{
		DeckIDs:     []int64{101},
		FilePaths:   []string{"deck.pdf"},
		VisionModel: "llava",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"slide-1.png"}, resp.SlideImages)
}

func TestRunExtractionExperiment_UpstreamFailureBecomesPhaseError(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ExtractionResponse{Success: false, Error: "model not found"})
	}))
	defer closeFn()

	_, err := c.RunExtractionExperiment(context.Background(), ExtractionRequest{DeckIDs: []int64{101}})
	require.Error(t, err)
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, "model not found", phaseErr.Upstream)
}

func TestRunTemplateProcessingOnly_HTTPErrorStatus(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer closeFn()

	_, err := c.RunTemplateProcessingOnly(context.Background(), TemplateProcessingRequest{DeckIDs: []int64{101}, TemplateID: 5})
	require.Error(t, err)
}

func TestRunSpecializedAnalysisOnly_Success(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SpecializedOnlyResponse{Success: true})
	}))
	defer closeFn()

	resp, err := c.RunSpecializedAnalysisOnly(context.Background(), SpecializedOnlyRequest{DeckIDs: []int64{101}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestAnalyzeImages_Success(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AnalyzeImagesResponse{Success: true, Text: "slide looks good"})
	}))
	defer closeFn()

	resp, err := c.AnalyzeImages(context.Background(), AnalyzeImagesRequest{Images: []string{"slide-1.png"}, Prompt: "critique this slide", Model: "llava"})
	require.NoError(t, err)
	assert.Equal(t, "slide looks good", resp.Text)
}

func TestHealth_ReachableAndOK(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer closeFn()

	ok, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealth_Unreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, err)

	ok, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListModels_Success(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/models", r.URL.Path)
		json.NewEncoder(w).Encode(listModelsResponse{Success: true, Models: []ModelInfo{{Name: "llava", Size: 1024}}})
	}))
	defer closeFn()

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llava", models[0].Name)
}

func TestPullModel_UpstreamFailure(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "disk full"})
	}))
	defer closeFn()

	err := c.PullModel(context.Background(), "llava")
	require.Error(t, err)
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
}

func TestDeleteModel_Success(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(envelope{Success: true})
	}))
	defer closeFn()

	err := c.DeleteModel(context.Background(), "llava")
	require.NoError(t, err)
}

func TestCheckStatus_Online(t *testing.T) {
	c, closeFn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ollama_available": true, "timestamp": "2026-07-31T00:00:00Z"})
	}))
	defer closeFn()

	status := c.CheckStatus(context.Background())
	assert.True(t, status.Online)
	assert.True(t, status.OllamaAvailable)
}

func TestCheckStatus_Offline(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, err)

	status := c.CheckStatus(context.Background())
	assert.False(t, status.Online)
	assert.NotEmpty(t, status.Error)
}

func TestPhaseError_Truncated(t *testing.T) {
	long := make([]byte, maxUpstreamErrorBytes+100)
	for i := range long {
		long[i] = 'x'
	}
	e := &PhaseError{Endpoint: "/x", Upstream: string(long)}
	assert.Len(t, e.Truncated(), maxUpstreamErrorBytes)
}
