package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/halbzeit/pitchqueue/internal/httputil"
	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

// QueueManager is the subset of *queue.Manager the ingestion handlers call.
type QueueManager interface {
	UpdateProgressForDocument(ctx context.Context, documentID int64, percent int, step, message string) error
	GetQueueStats(ctx context.Context) (queue.QueueStats, error)
}

// ResultStore is the subset of *Store the handlers depend on, so handler
// tests can run against a fake instead of go-sqlmock.
type ResultStore interface {
	UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) (bool, error)
	SaveSpecializedAnalysis(ctx context.Context, documentID int64, analysis map[string]string) ([]string, error)
	SaveTemplateProcessing(ctx context.Context, documentID int64, experimentName string, resultsJSON json.RawMessage) error
}

// Handlers implements the Result Ingestion Endpoints (SPEC_FULL.md §4.5).
// The progress and deck-results handlers are tolerant of an unknown
// document_id: they answer 200 with a warning rather than the original's
// 404/500. The specialized-analysis and template-processing handlers pass
// store errors through as a 500, including the documents foreign-key failure
// their inserts hit for a document_id with no documents row.
type Handlers struct {
	store ResultStore
	queue QueueManager
	log   *logging.Logger
}

// NewHandlers constructs the ingestion handler set.
func NewHandlers(store ResultStore, queueMgr QueueManager, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.NewFromEnv("ingest")
	}
	return &Handlers{store: store, queue: queueMgr, log: log}
}

// genericResponse is the shared response envelope for all four endpoints,
// mirroring the original's {success, message, ...} shape.
type genericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// --- update-processing-progress ---------------------------------------------

type updateProgressRequest struct {
	DocumentID         int64  `json:"document_id"`
	ProgressPercentage int    `json:"progress_percentage"`
	CurrentStep        string `json:"current_step"`
	ProgressMessage    string `json:"progress_message"`
	Phase              string `json:"phase"`
}

// UpdateProcessingProgress handles POST /internal/update-processing-progress.
func (h *Handlers) UpdateProcessingProgress() http.HandlerFunc {
	return httputil.HandleJSON(h.log, func(ctx context.Context, req *updateProgressRequest) (genericResponse, error) {
		err := h.queue.UpdateProgressForDocument(ctx, req.DocumentID, req.ProgressPercentage, req.CurrentStep, req.ProgressMessage)
		if errors.Is(err, queue.ErrTaskNotFound) {
			h.log.Warn(ctx, "progress update for document with no in-flight task", map[string]interface{}{"document_id": req.DocumentID})
			return genericResponse{Success: true, Message: "no in-flight task for document", Warning: "document_id not found or not processing"}, nil
		}
		if err != nil {
			return genericResponse{}, err
		}
		return genericResponse{Success: true, Message: "progress updated"}, nil
	})
}

// --- save-specialized-analysis -----------------------------------------------

type saveSpecializedAnalysisRequest struct {
	DocumentID          int64             `json:"document_id"`
	SpecializedAnalysis map[string]string `json:"specialized_analysis"`
}

type saveSpecializedAnalysisResponse struct {
	genericResponse
	SavedAnalyses []string `json:"saved_analyses"`
}

// SaveSpecializedAnalysis handles POST /internal/save-specialized-analysis.
func (h *Handlers) SaveSpecializedAnalysis() http.HandlerFunc {
	return httputil.HandleJSON(h.log, func(ctx context.Context, req *saveSpecializedAnalysisRequest) (saveSpecializedAnalysisResponse, error) {
		saved, err := h.store.SaveSpecializedAnalysis(ctx, req.DocumentID, req.SpecializedAnalysis)
		if err != nil {
			return saveSpecializedAnalysisResponse{}, err
		}
		return saveSpecializedAnalysisResponse{
			genericResponse: genericResponse{Success: true, Message: "specialized analysis saved"},
			SavedAnalyses:   saved,
		}, nil
	})
}

// --- save-template-processing -------------------------------------------------

type saveTemplateProcessingRequest struct {
	ExperimentName            string          `json:"experiment_name"`
	DocumentID                int64           `json:"document_id"`
	TemplateProcessingResults json.RawMessage `json:"template_processing_results"`
}

// SaveTemplateProcessing handles POST /internal/save-template-processing.
func (h *Handlers) SaveTemplateProcessing() http.HandlerFunc {
	return httputil.HandleJSON(h.log, func(ctx context.Context, req *saveTemplateProcessingRequest) (genericResponse, error) {
		results := req.TemplateProcessingResults
		if len(results) == 0 {
			results = json.RawMessage("{}")
		}
		if err := h.store.SaveTemplateProcessing(ctx, req.DocumentID, req.ExperimentName, results); err != nil {
			return genericResponse{}, err
		}
		return genericResponse{Success: true, Message: "template processing results saved"}, nil
	})
}

// --- update-deck-results ------------------------------------------------------

type updateDeckResultsRequest struct {
	DocumentID       int64  `json:"document_id"`
	ResultsFilePath  string `json:"results_file_path"`
	ProcessingStatus string `json:"processing_status"`
}

// UpdateDeckResults handles POST /internal/update-deck-results. It
// deliberately diverges from the original's 404-on-missing-deck behavior:
// SPEC_FULL.md §4.5/§7 requires a tolerant 200+warning here so a race
// between deletion and a stray GPU callback never surfaces as an error to
// a caller that cannot do anything useful with one.
func (h *Handlers) UpdateDeckResults() http.HandlerFunc {
	return httputil.HandleJSON(h.log, func(ctx context.Context, req *updateDeckResultsRequest) (genericResponse, error) {
		found, err := h.store.UpdateDeckResults(ctx, req.DocumentID, req.ResultsFilePath, req.ProcessingStatus)
		if err != nil {
			return genericResponse{}, err
		}
		if !found {
			h.log.Warn(ctx, "deck results update for unknown document", map[string]interface{}{"document_id": req.DocumentID, "found": found})
			return genericResponse{Success: true, Message: "document not found", Warning: "document_id not found"}, nil
		}
		return genericResponse{Success: true, Message: "deck results updated"}, nil
	})
}

// --- queue/stats (supplemented per SPEC_FULL.md §12) --------------------------

// QueueStats handles GET /internal/queue/stats, a read-only supplement
// grounded on the original's get_queue_stats, useful for operator visibility
// and for the heartbeat loop's own logging.
func (h *Handlers) QueueStats() http.HandlerFunc {
	return httputil.HandleNoBody(h.log, func(ctx context.Context) (queue.QueueStats, error) {
		return h.queue.GetQueueStats(ctx)
	})
}
