package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/metrics"
	"github.com/halbzeit/pitchqueue/internal/resilience"
)

// NewServerID builds a Worker Registration identity: hostname + pid + a short
// random suffix, so two processes on the same host never collide and a
// crashed-and-restarted process gets a fresh identity rather than inheriting
// a stale lease.
func NewServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ManagerOptions configures retry/backoff policy shared by every Manager
// method that touches the store.
type ManagerOptions struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
	Retry       resilience.RetryConfig
}

// DefaultManagerOptions mirrors the config defaults in SPEC_FULL.md §6.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		BackoffBase: 60 * time.Second,
		BackoffCap:  time.Hour,
		MaxRetries:  DefaultMaxRetries,
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// Manager is the in-process library the orchestrator drives the Queue Store
// through. It owns the server identity (the lease window is always
// DefaultLease, applied by the store, not a Manager setting), and wraps every
// store call that can hit a transient serialization failure in a bounded
// retry (§7 "retry the transaction up to 3 times inside the Queue Manager").
type Manager struct {
	store      Store
	serverID   string
	serverType ServerType
	caps       ServerCapabilities
	opts       ManagerOptions
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// NewManager constructs a Manager bound to a single server identity.
func NewManager(store Store, serverID string, serverType ServerType, caps ServerCapabilities, opts ManagerOptions, log *logging.Logger, m *metrics.Metrics) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 60 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultManagerOptions().Retry
	}
	if log == nil {
		log = logging.NewFromEnv("queue-manager")
	}
	return &Manager{
		store:      store,
		serverID:   serverID,
		serverType: serverType,
		caps:       caps,
		opts:       opts,
		log:        log,
		metrics:    m,
	}
}

// ServerID returns this manager's Worker Registration identity.
func (m *Manager) ServerID() string { return m.serverID }

func (m *Manager) retry(ctx context.Context, fn func() error) error {
	return resilience.Retry(ctx, m.opts.Retry, fn)
}

// RegisterServer upserts this process's Worker Registration row and purges
// stale ones (last_heartbeat older than 1h, per the Worker Registration invariant).
func (m *Manager) RegisterServer(ctx context.Context, currentLoad int) error {
	caps := m.caps
	caps.MaxConcurrent = m.caps.MaxConcurrent
	return m.retry(ctx, func() error {
		return m.store.RegisterServer(ctx, m.serverID, m.serverType, caps, currentLoad)
	})
}

// AddTask inserts a new task or returns the existing active task id for the
// document (the Task invariant: at most one row per document-id in
// queued/processing/retry).
func (m *Manager) AddTask(ctx context.Context, documentID int64, filePath string, companyID int64, taskType TaskType, priority Priority, options map[string]any) (id int64, created bool, err error) {
	if priority == 0 {
		priority = PriorityNormal
	}
	err = m.retry(ctx, func() error {
		var e error
		id, created, e = m.store.AddTask(ctx, documentID, filePath, companyID, taskType, priority, options, m.opts.MaxRetries)
		return e
	})
	if err != nil {
		return 0, false, fmt.Errorf("add_task: %w", err)
	}
	m.log.WithFields(map[string]interface{}{
		"document_id": documentID, "task_id": id, "task_type": string(taskType), "created": created,
	}).Info("task enqueued")
	return id, created, nil
}

// GetNextTask leases the next eligible task for this server, translating the
// store's (nil, nil) "empty queue" result into ErrNoEligibleTask.
func (m *Manager) GetNextTask(ctx context.Context) (*Task, error) {
	var task *Task
	err := m.retry(ctx, func() error {
		var e error
		task, e = m.store.GetNextTask(ctx, m.serverID, m.caps)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("get_next_task: %w", err)
	}
	if task == nil {
		return nil, ErrNoEligibleTask
	}
	if m.metrics != nil {
		m.metrics.RecordTaskLeased(string(task.TaskType))
	}
	return task, nil
}

// UpdateTaskProgress writes a progress step and slides the lease, failing
// with ErrLeaseLost if this server no longer holds the task.
func (m *Manager) UpdateTaskProgress(ctx context.Context, taskID int64, percent int, step, message string, stepData map[string]any) error {
	var ok bool
	err := m.retry(ctx, func() error {
		var e error
		ok, e = m.store.UpdateTaskProgress(ctx, taskID, m.serverID, percent, step, message, stepData)
		return e
	})
	if err != nil {
		return fmt.Errorf("update_task_progress: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// CompleteTask finalizes a task (completed, retry, or failed), failing with
// ErrLeaseLost if the lease was already reclaimed.
func (m *Manager) CompleteTask(ctx context.Context, taskID int64, success bool, resultsPath, errMessage string, metadata map[string]any) error {
	var ok bool
	err := m.retry(ctx, func() error {
		var e error
		ok, e = m.store.CompleteTask(ctx, taskID, m.serverID, success, resultsPath, errMessage, metadata, m.opts.BackoffBase, m.opts.BackoffCap)
		return e
	})
	if err != nil {
		return fmt.Errorf("complete_task: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// CompleteTaskAndCreateSpecialized finalizes a top-level pdf_analysis task
// and, on success, fans out the three specialized dependent tasks. Per
// SPEC_FULL.md's design note, these are independent records: a failure
// enqueuing one of them does not roll back the parent task's completion.
func (m *Manager) CompleteTaskAndCreateSpecialized(ctx context.Context, taskID, documentID int64, success bool, resultsPath, errMessage string, metadata map[string]any, filePath string, companyID int64, options map[string]any) ([]int64, error) {
	if err := m.CompleteTask(ctx, taskID, success, resultsPath, errMessage, metadata); err != nil {
		return nil, err
	}
	if !success {
		return nil, nil
	}

	specializedTypes := []TaskType{TaskTypeSpecializedClinical, TaskTypeSpecializedRegulatory, TaskTypeSpecializedScience}
	ids := make([]int64, 0, len(specializedTypes))
	for _, tt := range specializedTypes {
		id, _, err := m.AddTask(ctx, documentID, filePath, companyID, tt, PriorityNormal, options)
		if err != nil {
			m.log.WithFields(map[string]interface{}{
				"document_id": documentID, "parent_task_id": taskID, "task_type": string(tt),
			}).WithError(err).Error("failed to enqueue specialized dependent task")
			continue
		}
		if err := m.retry(ctx, func() error {
			return m.store.AddDependency(ctx, id, taskID, DependencySuccessOnly)
		}); err != nil {
			m.log.WithFields(map[string]interface{}{"task_id": id, "depends_on": taskID}).WithError(err).Warn("failed to record dependency edge")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RetryFailedTask moves one failed task with retries remaining back to retry.
func (m *Manager) RetryFailedTask(ctx context.Context, taskID int64) (bool, error) {
	var ok bool
	err := m.retry(ctx, func() error {
		var e error
		ok, e = m.store.RetryFailedTask(ctx, taskID)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("retry_failed_task: %w", err)
	}
	return ok, nil
}

// RetryFailedTasks re-queues failed tasks last touched within maxAge that
// still have retries remaining (the heartbeat loop's periodic sweep).
func (m *Manager) RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	var n int
	err := m.retry(ctx, func() error {
		var e error
		n, e = m.store.RetryFailedTasks(ctx, maxAge)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("retry_failed_tasks: %w", err)
	}
	if n > 0 {
		m.log.WithFields(map[string]interface{}{"count": n}).Info("retry sweep re-queued failed tasks")
	}
	return n, nil
}

// RecoverAbandonedTasks reclaims tasks whose lease has expired (the
// heartbeat loop's cleanup_expired_locks call).
func (m *Manager) RecoverAbandonedTasks(ctx context.Context) (int, error) {
	var n int
	err := m.retry(ctx, func() error {
		var e error
		n, e = m.store.CleanupExpiredLocks(ctx)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup_expired_locks: %w", err)
	}
	if m.metrics != nil {
		m.metrics.AddLocksReclaimed(n)
	}
	if n > 0 {
		m.log.WithFields(map[string]interface{}{"count": n}).Warn("reclaimed tasks with expired leases")
	}
	return n, nil
}

// UpdateProgressForDocument applies an incremental GPU progress callback to
// whichever task is currently processing the given document, regardless of
// which orchestrator replica holds its lease. Returns ErrTaskNotFound when no
// task is currently processing the document (the caller, e.g. the ingest
// handler, should tolerate this and log a warning rather than fail the GPU).
func (m *Manager) UpdateProgressForDocument(ctx context.Context, documentID int64, percent int, step, message string) error {
	var ok bool
	err := m.retry(ctx, func() error {
		var e error
		ok, e = m.store.UpdateProgressByDocument(ctx, documentID, percent, step, message)
		return e
	})
	if err != nil {
		return fmt.Errorf("update_processing_progress: %w", err)
	}
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}

// GetQueueStats summarizes task counts per status.
func (m *Manager) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := m.retry(ctx, func() error {
		var e error
		stats, e = m.store.GetQueueStats(ctx)
		return e
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("get_queue_stats: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SetQueueDepth(string(StatusQueued), stats.Queued)
		m.metrics.SetQueueDepth(string(StatusProcessing), stats.Processing)
		m.metrics.SetQueueDepth(string(StatusCompleted), stats.Completed)
		m.metrics.SetQueueDepth(string(StatusFailed), stats.Failed)
		m.metrics.SetQueueDepth(string(StatusRetry), stats.Retry)
	}
	return stats, nil
}

// GetTaskProgress returns the latest non-terminal task for a document, for
// UI polling. Returns ErrTaskNotFound when no active task exists.
func (m *Manager) GetTaskProgress(ctx context.Context, documentID int64) (*Task, error) {
	var task *Task
	err := m.retry(ctx, func() error {
		var e error
		task, e = m.store.GetTaskProgress(ctx, documentID)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("get_task_progress: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}
