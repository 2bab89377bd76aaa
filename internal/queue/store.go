package queue

import (
	"context"
	"time"
)

// Store is the persistence contract the Queue Manager drives. Postgres is
// the only production implementation (internal/queue/postgres.go); the
// interface exists so manager.go can be unit tested against a fake.
type Store interface {
	// GetNextTask leases the highest-priority, oldest eligible task for serverID.
	// Returns (nil, nil) when no task is eligible.
	GetNextTask(ctx context.Context, serverID string, caps ServerCapabilities) (*Task, error)

	// UpdateTaskProgress requires status=processing and lockedBy=serverID. It
	// clamps percent to [0,100], enforces monotonicity, appends a progress
	// step row, and slides the lock forward by the lease window.
	UpdateTaskProgress(ctx context.Context, taskID int64, serverID string, percent int, step, message string, stepData map[string]any) (bool, error)

	// CompleteTask finalizes a task: completed, retry, or failed, per the
	// success flag and the task's current retry-count vs max-retries.
	CompleteTask(ctx context.Context, taskID int64, serverID string, success bool, resultsPath, errMessage string, metadata map[string]any, backoffBase, backoffCap time.Duration) (bool, error)

	// CleanupExpiredLocks reclaims tasks whose lease has expired, returning
	// status to queued (or retry if retry-count > 0). Returns the reclaimed count.
	CleanupExpiredLocks(ctx context.Context) (int, error)

	// RetryFailedTask moves a failed task with remaining retries back to retry
	// with next-retry-at=now.
	RetryFailedTask(ctx context.Context, taskID int64) (bool, error)

	// RetryFailedTasks re-queues failed tasks last touched within maxAge that
	// still have retries remaining.
	RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error)

	// AddTask inserts a new task, or returns the id of an existing active
	// (queued/processing/retry) task for the same document.
	AddTask(ctx context.Context, documentID int64, filePath string, companyID int64, taskType TaskType, priority Priority, options map[string]any, maxRetries int) (int64, bool, error)

	// UpdateProgressByDocument applies an incremental progress callback from
	// the GPU, located by document-id rather than a lease the caller holds
	// (the GPU callback may land on any orchestrator replica). Tolerates
	// out-of-order callbacks via max(existing, incoming) on the percentage.
	UpdateProgressByDocument(ctx context.Context, documentID int64, percent int, step, message string) (bool, error)

	// GetTaskProgress returns the latest non-terminal task for a document.
	GetTaskProgress(ctx context.Context, documentID int64) (*Task, error)

	// RegisterServer upserts a Worker Registration and purges stale rows
	// (last-heartbeat older than 1h).
	RegisterServer(ctx context.Context, serverID string, serverType ServerType, caps ServerCapabilities, currentLoad int) error

	// GetQueueStats summarizes task counts per status.
	GetQueueStats(ctx context.Context) (QueueStats, error)

	// AddDependency records that dependentTaskID depends on dependsOnTaskID.
	AddDependency(ctx context.Context, dependentTaskID, dependsOnTaskID int64, depType DependencyType) error
}
