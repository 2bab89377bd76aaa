package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore implements Store on top of the processing_queue schema.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed queue store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNextTask selects the oldest, highest-priority eligible task, taking a
// row lock with FOR UPDATE SKIP LOCKED so concurrent workers never double-lease.
func (s *PGStore) GetNextTask(ctx context.Context, serverID string, caps ServerCapabilities) (*Task, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, document_id, task_type, file_path, company_id, processing_options, max_retries
		FROM processing_queue
		WHERE status IN ('queued', 'retry')
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		  AND NOT EXISTS (
		      SELECT 1 FROM task_dependencies d
		      JOIN processing_queue dep ON dep.id = d.depends_on_task_id
		      WHERE d.dependent_task_id = processing_queue.id
		        AND (
		            (d.dependency_type = 'completion' AND dep.status NOT IN ('completed', 'failed'))
		            OR (d.dependency_type = 'success_only' AND dep.status <> 'completed')
		        )
		  )
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)

	var task Task
	var optionsRaw []byte
	if err := row.Scan(&task.ID, &task.DocumentID, &task.TaskType, &task.FilePath, &task.CompanyID, &optionsRaw, &task.MaxRetries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tx.Commit()
		}
		return nil, err
	}

	options, err := unmarshalJSON(optionsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode processing_options: %w", err)
	}
	task.ProcessingOptions = options

	lockExpires := time.Now().Add(DefaultLease)
	_, err = tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'processing',
		    started_at = COALESCE(started_at, now()),
		    locked_by = $1,
		    locked_at = now(),
		    lock_expires_at = $2
		WHERE id = $3
	`, serverID, lockExpires, task.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusProcessing
	task.LockedBy = serverID
	task.LockExpiresAt = &lockExpires
	return &task, nil
}

// UpdateTaskProgress clamps percent, enforces monotonicity, appends a
// progress step, and slides the lease forward.
func (s *PGStore) UpdateTaskProgress(ctx context.Context, taskID int64, serverID string, percent int, step, message string, stepData map[string]any) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET progress_percentage = GREATEST(progress_percentage, $1),
		    current_step = $2,
		    progress_message = $3,
		    lock_expires_at = now() + $4 * interval '1 second'
		WHERE id = $5 AND status = 'processing' AND locked_by = $6
	`, percent, step, message, int(DefaultLease.Seconds()), taskID, serverID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, tx.Commit()
	}

	dataRaw, err := marshalJSON(stepData)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_progress (processing_queue_id, step_name, step_status, progress_percentage, message, step_data)
		VALUES ($1, $2, 'started', $3, $4, $5)
	`, taskID, step, percent, message, dataRaw)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteTask finalizes a task. A lease that was already reclaimed by
// another worker (locked_by no longer matches) is detected via RowsAffected
// and reported as a no-op rather than silently overwriting newer state.
func (s *PGStore) CompleteTask(ctx context.Context, taskID int64, serverID string, success bool, resultsPath, errMessage string, metadata map[string]any, backoffBase, backoffCap time.Duration) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var documentID int64
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx, `
		SELECT document_id, retry_count, max_retries
		FROM processing_queue
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
		FOR UPDATE
	`, taskID, serverID).Scan(&documentID, &retryCount, &maxRetries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, tx.Commit()
		}
		return false, err
	}

	metaRaw, err := marshalJSON(metadata)
	if err != nil {
		return false, err
	}

	var docStatus string
	switch {
	case success:
		docStatus = "completed"
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'completed', completed_at = now(), results_file_path = $1,
			    progress_percentage = 100, processing_metadata = $2,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $3
		`, resultsPath, metaRaw, taskID)
	case retryCount+1 < maxRetries:
		delay := Backoff(retryCount+1, backoffBase, backoffCap)
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'retry', retry_count = retry_count + 1,
			    next_retry_at = now() + $1 * interval '1 second',
			    last_error = $2, error_count = error_count + 1,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $3
		`, int(delay.Seconds()), errMessage, taskID)
	default:
		docStatus = "failed"
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'failed', completed_at = now(), retry_count = retry_count + 1,
			    last_error = $1, error_count = error_count + 1,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $2
		`, errMessage, taskID)
	}
	if err != nil {
		return false, err
	}

	if docStatus != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET processing_status = $1, results_file_path = COALESCE(NULLIF($2, ''), results_file_path)
			WHERE id = $3
		`, docStatus, resultsPath, documentID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupExpiredLocks reclaims tasks whose lease has expired.
func (s *PGStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = CASE WHEN retry_count > 0 THEN 'retry' ELSE 'queued' END,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE status = 'processing' AND lock_expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// RetryFailedTask moves a single failed task back to retry, if eligible.
func (s *PGStore) RetryFailedTask(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'retry', next_retry_at = now()
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
	`, taskID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RetryFailedTasks re-queues failed tasks completed within maxAge that still
// have retries remaining.
func (s *PGStore) RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'retry', next_retry_at = now()
		WHERE status = 'failed' AND retry_count < max_retries
		  AND completed_at >= now() - $1 * interval '1 second'
	`, int(maxAge.Seconds()))
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// AddTask inserts a new task, or returns the id of an existing active task
// for the same document (enforced by uq_processing_queue_active_document).
func (s *PGStore) AddTask(ctx context.Context, documentID int64, filePath string, companyID int64, taskType TaskType, priority Priority, options map[string]any, maxRetries int) (int64, bool, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	optionsRaw, err := marshalJSON(options)
	if err != nil {
		return 0, false, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM processing_queue
		WHERE document_id = $1 AND status IN ('queued', 'processing', 'retry')
	`, documentID).Scan(&existingID)
	switch {
	case err == nil:
		return existingID, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, err
	}

	var newID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO processing_queue (document_id, task_type, status, priority, file_path, company_id, processing_options, max_retries)
		VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7)
		RETURNING id
	`, documentID, taskType, priority, filePath, companyID, optionsRaw, maxRetries).Scan(&newID)
	if err != nil {
		return 0, false, err
	}

	// Only a pdf_analysis task moves its document to processing; the
	// specialized tasks enqueued after completion leave it completed.
	if taskType == TaskTypePDFAnalysis {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET processing_status = 'processing' WHERE id = $1
		`, documentID); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return newID, true, nil
}

// UpdateProgressByDocument applies a GPU progress callback located by
// document-id, tolerating out-of-order delivery with max(existing, incoming).
func (s *PGStore) UpdateProgressByDocument(ctx context.Context, documentID int64, percent int, step, message string) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE processing_queue
		SET progress_percentage = GREATEST(progress_percentage, $1),
		    current_step = $2,
		    progress_message = $3
		WHERE document_id = $4 AND status = 'processing'
	`, percent, step, message, documentID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetTaskProgress returns the latest non-terminal task for a document.
func (s *PGStore) GetTaskProgress(ctx context.Context, documentID int64) (*Task, error) {
	var task Task
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, document_id, task_type, status, priority, progress_percentage, current_step, progress_message
		FROM processing_queue
		WHERE document_id = $1 AND status IN ('queued', 'processing', 'retry')
		ORDER BY created_at DESC
		LIMIT 1
	`, documentID).Scan(&task.ID, &task.DocumentID, &task.TaskType, &task.Status, &task.Priority, &task.ProgressPercentage, &task.CurrentStep, &task.ProgressMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// RegisterServer upserts a Worker Registration and purges stale rows.
func (s *PGStore) RegisterServer(ctx context.Context, serverID string, serverType ServerType, caps ServerCapabilities, currentLoad int) error {
	capsRaw, err := json.Marshal(caps)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_servers (id, server_type, status, last_heartbeat, capabilities, current_load, max_concurrent_tasks)
		VALUES ($1, $2, 'active', now(), $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = 'active', last_heartbeat = now(), capabilities = EXCLUDED.capabilities,
		    current_load = EXCLUDED.current_load, max_concurrent_tasks = EXCLUDED.max_concurrent_tasks
	`, serverID, serverType, capsRaw, currentLoad, caps.MaxConcurrent)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM processing_servers WHERE last_heartbeat < now() - interval '1 hour'
	`); err != nil {
		return err
	}

	return tx.Commit()
}

// GetQueueStats summarizes task counts per status.
func (s *PGStore) GetQueueStats(ctx context.Context) (QueueStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, count(*) FROM processing_queue GROUP BY status
	`)
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		switch Status(status) {
		case StatusQueued:
			stats.Queued = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusRetry:
			stats.Retry = count
		}
	}
	return stats, rows.Err()
}

// AddDependency records a dependency edge between two tasks.
func (s *PGStore) AddDependency(ctx context.Context, dependentTaskID, dependsOnTaskID int64, depType DependencyType) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_dependencies (dependent_task_id, depends_on_task_id, dependency_type)
		VALUES ($1, $2, $3)
	`, dependentTaskID, dependsOnTaskID, depType)
	return err
}
