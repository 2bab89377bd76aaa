package heartbeat

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halbzeit/pitchqueue/internal/logging"
)

// CronSweep runs the failed-task retry sweep and a queue-stats log on a
// configurable cron schedule, in addition to Loop's every-Nth-tick cadence
// (SPEC_FULL.md §11): an operator who wants the sweep to run at a fixed
// wall-clock time (e.g. low-traffic hours) sets QUEUE_RETRY_SWEEP_CRON, and
// the orchestrator registers this alongside Loop, whose own sweep keeps
// running.
type CronSweep struct {
	manager Manager
	maxAge  time.Duration
	spec    string
	log     *logging.Logger

	cron *cron.Cron
}

// NewCronSweep constructs a cron-scheduled retry sweep. spec is a standard
// five-field cron expression (minute hour dom month dow); an empty spec
// defaults to hourly ("0 * * * *").
func NewCronSweep(manager Manager, spec string, maxAge time.Duration, log *logging.Logger) *CronSweep {
	if spec == "" {
		spec = "0 * * * *"
	}
	if log == nil {
		log = logging.NewFromEnv("heartbeat-cron")
	}
	return &CronSweep{manager: manager, maxAge: maxAge, spec: spec, log: log}
}

// Name satisfies lifecycle.Service.
func (s *CronSweep) Name() string { return "heartbeat-cron-sweep" }

// Start registers the sweep job and starts the cron scheduler's goroutine.
func (s *CronSweep) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish, bounded by ctx.
func (s *CronSweep) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CronSweep) sweep() {
	ctx := context.Background()

	requeued, err := s.manager.RetryFailedTasks(ctx, s.maxAge)
	if err != nil {
		s.log.WithError(err).Error("heartbeat: cron retry sweep failed")
		return
	}
	if requeued > 0 {
		s.log.WithFields(map[string]interface{}{"requeued": requeued}).Info("heartbeat: cron retry sweep requeued failed tasks")
	}

	stats, err := s.manager.GetQueueStats(ctx)
	if err != nil {
		s.log.WithError(err).Error("heartbeat: cron stats report failed")
		return
	}
	s.log.WithFields(map[string]interface{}{
		"queued": stats.Queued, "processing": stats.Processing,
		"completed": stats.Completed, "failed": stats.Failed, "retry": stats.Retry,
	}).Info("heartbeat: cron queue stats")
}
