// Package heartbeat implements the Heartbeat & Recovery Loop (SPEC_FULL.md
// §4.6): every tick it refreshes this worker's Worker Registration row,
// reclaims tasks whose lease expired, and — every Nth tick — re-queues
// transiently failed tasks old enough to retry.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

// Manager is the subset of *queue.Manager the heartbeat loop drives. Defined
// here so tests can run the loop against a hand-rolled fake.
type Manager interface {
	RegisterServer(ctx context.Context, currentLoad int) error
	RecoverAbandonedTasks(ctx context.Context) (int, error)
	RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error)
	GetQueueStats(ctx context.Context) (queue.QueueStats, error)
}

// LoadFunc reports how many tasks this process currently has leased, for
// current_load reporting (SPEC_FULL.md §4.6).
type LoadFunc func() int

// Options configures the loop's cadence.
type Options struct {
	// Interval is the heartbeat period. Defaults to 30s per SPEC_FULL.md §4.6.
	Interval time.Duration
	// RetryEveryNTicks runs the failed-task retry sweep on every Nth tick.
	// Defaults to 10 (≈5 minutes at the default interval).
	RetryEveryNTicks int
	// FallbackRetryMaxAge bounds how old a failed task can be and still be
	// swept back to retry. Defaults to 24h.
	FallbackRetryMaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.RetryEveryNTicks <= 0 {
		o.RetryEveryNTicks = 10
	}
	if o.FallbackRetryMaxAge <= 0 {
		o.FallbackRetryMaxAge = 24 * time.Hour
	}
	return o
}

// Loop runs the heartbeat/recovery cycle on its own goroutine, independent
// of the pipeline driver pool (SPEC_FULL.md §5: "the background
// heartbeat/recovery runs independently").
type Loop struct {
	manager Manager
	load    LoadFunc
	opts    Options
	log     *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticks  int
}

// New constructs a heartbeat loop. load reports the caller's current active
// task count; pass nil to always report zero (e.g. a worker with no pipeline
// pool of its own).
func New(manager Manager, load LoadFunc, opts Options, log *logging.Logger) *Loop {
	if log == nil {
		log = logging.NewFromEnv("heartbeat")
	}
	if load == nil {
		load = func() int { return 0 }
	}
	return &Loop{manager: manager, load: load, opts: opts.withDefaults(), log: log}
}

// Name satisfies lifecycle.Service.
func (l *Loop) Name() string { return "heartbeat" }

// Start launches the ticker goroutine.
func (l *Loop) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.tick(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the ticker goroutine and waits for the in-flight tick to finish.
func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs one heartbeat cycle: registration, lease recovery, host
// telemetry, and — every RetryEveryNTicks'th tick — the failed-task retry
// sweep.
func (l *Loop) tick(ctx context.Context) {
	if err := l.manager.RegisterServer(ctx, l.load()); err != nil {
		l.log.WithError(err).Error("heartbeat: register server failed")
	}

	reclaimed, err := l.manager.RecoverAbandonedTasks(ctx)
	if err != nil {
		l.log.WithError(err).Error("heartbeat: recover abandoned tasks failed")
	} else if reclaimed > 0 {
		l.log.WithFields(map[string]interface{}{"reclaimed": reclaimed}).Warn("heartbeat: reclaimed abandoned tasks")
	}

	l.logHostStats(ctx)

	l.ticks++
	if l.ticks%l.opts.RetryEveryNTicks == 0 {
		requeued, err := l.manager.RetryFailedTasks(ctx, l.opts.FallbackRetryMaxAge)
		if err != nil {
			l.log.WithError(err).Error("heartbeat: retry failed tasks sweep failed")
			return
		}
		if requeued > 0 {
			l.log.WithFields(map[string]interface{}{"requeued": requeued}).Info("heartbeat: retry sweep requeued failed tasks")
		}

		if stats, err := l.manager.GetQueueStats(ctx); err == nil {
			l.log.WithFields(map[string]interface{}{
				"queued": stats.Queued, "processing": stats.Processing,
				"completed": stats.Completed, "failed": stats.Failed, "retry": stats.Retry,
			}).Info("heartbeat: queue stats")
		}
	}
}

// logHostStats samples host CPU and memory utilization and logs them as
// structured fields, grounded on gopsutil's presence in the teacher's go.mod
// for host telemetry feeding Worker-Registration-like structures. It never
// blocks the heartbeat cycle on a sampling failure.
func (l *Loop) logHostStats(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	cpuPercent := 0.0
	if err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memPercent float64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	}

	l.log.WithFields(map[string]interface{}{
		"cpu_percent": cpuPercent,
		"mem_percent": memPercent,
		"active_load": l.load(),
	}).Debug("heartbeat: host telemetry")
}
