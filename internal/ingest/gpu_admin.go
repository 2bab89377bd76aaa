package ingest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/halbzeit/pitchqueue/internal/gpuclient"
	"github.com/halbzeit/pitchqueue/internal/httputil"
)

// GPUAdmin is the subset of *gpuclient.Client the operator admin surface
// calls, named per SPEC_FULL.md §4.4/§12's model-management supplement.
type GPUAdmin interface {
	CheckStatus(ctx context.Context) gpuclient.Status
	ListModels(ctx context.Context) ([]gpuclient.ModelInfo, error)
	PullModel(ctx context.Context, name string) error
	DeleteModel(ctx context.Context, name string) error
}

// GPUAdminHandlers implements the /internal/gpu/* operator admin surface
// (SPEC_FULL.md §12): out of the task-processing hot path, but part of the
// same GPU Worker Client the pipeline driver uses.
type GPUAdminHandlers struct {
	gpu GPUAdmin
}

// NewGPUAdminHandlers constructs the admin handler set. Returns nil if gpu is
// nil, so wiring it into a router is optional.
func NewGPUAdminHandlers(gpu GPUAdmin) *GPUAdminHandlers {
	if gpu == nil {
		return nil
	}
	return &GPUAdminHandlers{gpu: gpu}
}

// Register wires the admin routes onto router under /internal/gpu.
func (h *GPUAdminHandlers) Register(router *mux.Router) {
	router.HandleFunc("/internal/gpu/status", h.Status()).Methods(http.MethodGet)
	router.HandleFunc("/internal/gpu/models", h.ListModels()).Methods(http.MethodGet)
	router.HandleFunc("/internal/gpu/models/{name}", h.PullModel()).Methods(http.MethodPost)
	router.HandleFunc("/internal/gpu/models/{name}", h.DeleteModel()).Methods(http.MethodDelete)
}

// Status handles GET /internal/gpu/status.
func (h *GPUAdminHandlers) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, h.gpu.CheckStatus(r.Context()))
	}
}

// ListModels handles GET /internal/gpu/models.
func (h *GPUAdminHandlers) ListModels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := h.gpu.ListModels(r.Context())
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, struct {
			Models []gpuclient.ModelInfo `json:"models"`
		}{Models: models})
	}
}

// PullModel handles POST /internal/gpu/models/{name}.
func (h *GPUAdminHandlers) PullModel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if name == "" {
			httputil.BadRequest(w, "model name is required")
			return
		}
		if err := h.gpu.PullModel(r.Context(), name); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, genericResponse{Success: true, Message: "model pull requested"})
	}
}

// DeleteModel handles DELETE /internal/gpu/models/{name}.
func (h *GPUAdminHandlers) DeleteModel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if name == "" {
			httputil.BadRequest(w, "model name is required")
			return
		}
		if err := h.gpu.DeleteModel(r.Context(), name); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, genericResponse{Success: true, Message: "model deleted"})
	}
}
