// Command orchestrator runs the CPU-side processing queue: the Queue
// Manager, the Pipeline Driver pool, the Heartbeat & Recovery loop, and the
// Result Ingestion HTTP endpoints the GPU worker calls back into.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halbzeit/pitchqueue/internal/config"
	"github.com/halbzeit/pitchqueue/internal/dbplatform"
	"github.com/halbzeit/pitchqueue/internal/gpuclient"
	"github.com/halbzeit/pitchqueue/internal/heartbeat"
	"github.com/halbzeit/pitchqueue/internal/httpmw"
	"github.com/halbzeit/pitchqueue/internal/ingest"
	"github.com/halbzeit/pitchqueue/internal/lifecycle"
	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/metrics"
	"github.com/halbzeit/pitchqueue/internal/migrate"
	"github.com/halbzeit/pitchqueue/internal/pipeline"
	"github.com/halbzeit/pitchqueue/internal/pipelineconfig"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "gpu" {
		if err := runGPUCLI(context.Background(), os.Args[2:]); err != nil {
			os.Exit(1)
		}
		return
	}
	runOrchestrator()
}

func runOrchestrator() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.ErrorDefault(ctx, "load configuration", err)
		os.Exit(1)
	}

	log := logging.New("orchestrator", cfg.Logging.Level, cfg.Logging.Format)

	db, err := dbplatform.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal(ctx, "open queue store database", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrate.Apply(ctx, db); err != nil {
			log.Fatal(ctx, "apply migrations", err)
		}
		log.Info(ctx, "migrations applied", nil)
	}

	m := metrics.New()

	serverID := queue.NewServerID()
	caps := queue.ServerCapabilities{
		PDFAnalysis:   true,
		GPUAvailable:  false,
		MaxConcurrent: cfg.Queue.MaxConcurrentTasks,
	}

	store := queue.NewPGStore(db)
	qmOpts := queue.ManagerOptions{
		BackoffBase: time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		BackoffCap:  time.Duration(cfg.Queue.BackoffCapSeconds) * time.Second,
		MaxRetries:  queue.DefaultMaxRetries,
	}
	qm := queue.NewManager(store, serverID, queue.ServerTypeCPU, caps, qmOpts, log, m)

	gpu, err := gpuclient.New(gpuclient.Config{BaseURL: cfg.GPU.BaseURL}, log, m)
	if err != nil {
		log.Fatal(ctx, "construct GPU worker client", err)
	}

	pipelineCfgStore := pipelineconfig.New(db)

	driver := pipeline.New(qm, gpu, pipelineCfgStore, pipeline.Options{
		BackendBaseURL:    cfg.Backend.BaseURL,
		DefaultTemplateID: cfg.Pipeline.DefaultTemplateID,
		PollInterval:      cfg.Queue.PollInterval(),
	}, log, m)
	pool := pipeline.NewPool(driver, cfg.Queue.MaxConcurrentTasks)

	heartbeatLoop := heartbeat.New(qm, pool.ActiveCount, heartbeat.Options{
		Interval:            cfg.Queue.Heartbeat(),
		FallbackRetryMaxAge: time.Duration(cfg.Queue.FallbackRetryMaxAgeHours) * time.Hour,
	}, log)

	resultStore := ingest.NewStore(db)
	ingestHandlers := ingest.NewHandlers(resultStore, qm, log)
	gpuAdminHandlers := ingest.NewGPUAdminHandlers(gpu)
	ingestService := ingest.NewService(cfg.HTTP.Addr, ingestHandlers, gpuAdminHandlers, log, m)

	metricsService := newMetricsService(cfg.Metrics.Addr, m, log)

	services := []lifecycle.Service{metricsService, ingestService, heartbeatLoop, pool}
	if cfg.Queue.RetrySweepCron != "" {
		services = append(services, heartbeat.NewCronSweep(qm, cfg.Queue.RetrySweepCron,
			time.Duration(cfg.Queue.FallbackRetryMaxAgeHours)*time.Hour, log))
	}

	manager := lifecycle.NewManager()
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			log.Fatal(ctx, "register service", err)
		}
	}

	if err := qm.RegisterServer(ctx, 0); err != nil {
		log.Error(ctx, "initial server registration failed", err, nil)
	}

	if err := manager.Start(ctx); err != nil {
		log.Fatal(ctx, "start orchestrator", err)
	}
	log.Info(ctx, "orchestrator started", map[string]interface{}{
		"server_id": serverID, "pool_size": cfg.Queue.MaxConcurrentTasks,
		"http_addr": cfg.HTTP.Addr, "metrics_addr": cfg.Metrics.Addr,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "shutting down orchestrator", nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "orchestrator shutdown error", err, nil)
	}
	log.Info(ctx, "orchestrator stopped", nil)
}

// metricsService exposes the Prometheus registry on its own listener, kept
// separate from the ingest HTTP surface so scraping never competes with GPU
// callback traffic.
type metricsService struct {
	addr   string
	server *http.Server
	log    *logging.Logger
}

func newMetricsService(addr string, m *metrics.Metrics, log *logging.Logger) *metricsService {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	health := httpmw.NewHealthChecker("pitchqueue-metrics")
	mux.HandleFunc("/healthz", health.Handler())
	return &metricsService{addr: addr, server: &http.Server{Addr: addr, Handler: mux}, log: log}
}

func (s *metricsService) Name() string { return "metrics-http" }

func (s *metricsService) Start(ctx context.Context) error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(context.Background(), "metrics http server error", err, nil)
		}
	}()
	return nil
}

func (s *metricsService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
