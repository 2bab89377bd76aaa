package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/halbzeit/pitchqueue/internal/httpmw"
	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/metrics"
)

// Service exposes the Result Ingestion Endpoints and fits into the
// lifecycle.Manager's Start/Stop cycle, modeled on the teacher's
// httpapi.Service: build the router, layer the middleware stack, and run
// ListenAndServe in a background goroutine.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logging.Logger
}

// NewService constructs the ingestion HTTP server. gpuAdmin is optional
// (nil disables the /internal/gpu/* admin surface, e.g. in tests).
func NewService(addr string, h *Handlers, gpuAdmin *GPUAdminHandlers, log *logging.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logging.NewFromEnv("ingest")
	}

	router := mux.NewRouter()
	router.HandleFunc("/internal/update-processing-progress", h.UpdateProcessingProgress()).Methods(http.MethodPost)
	router.HandleFunc("/internal/save-specialized-analysis", h.SaveSpecializedAnalysis()).Methods(http.MethodPost)
	router.HandleFunc("/internal/save-template-processing", h.SaveTemplateProcessing()).Methods(http.MethodPost)
	router.HandleFunc("/internal/update-deck-results", h.UpdateDeckResults()).Methods(http.MethodPost)
	router.HandleFunc("/internal/queue/stats", h.QueueStats()).Methods(http.MethodGet)
	if gpuAdmin != nil {
		gpuAdmin.Register(router)
	}

	health := httpmw.NewHealthChecker("pitchqueue-ingest")
	router.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)

	router.Use(httpmw.LoggingMiddleware(log))
	router.Use(httpmw.MetricsMiddleware("ingest", m))
	router.Use(httpmw.NewBodyLimitMiddleware(0).Handler)
	router.Use(httpmw.NewTimeoutMiddleware(0).Handler)
	router.Use(httpmw.NewCORSMiddleware(nil).Handler)
	router.Use(httpmw.NewSecurityHeadersMiddleware(nil).Handler)

	// Recovery runs outermost so a panic anywhere below it — including in
	// the other middleware — is still caught.
	var handler http.Handler = router
	handler = httpmw.NewRecoveryMiddleware(log).Handler(handler)

	return &Service{
		addr:    addr,
		handler: handler,
		log:     log,
	}
}

// Name implements lifecycle.Service.
func (s *Service) Name() string { return "ingest-http" }

// Start implements lifecycle.Service.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(context.Background(), "ingest http server error", err, nil)
		}
	}()
	return nil
}

// Stop implements lifecycle.Service.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
