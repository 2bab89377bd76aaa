package queue

import "errors"

// Sentinel errors returned by Manager, mirroring the way the teacher's
// storage layer surfaces sql.ErrNoRows: callers compare with errors.Is
// rather than inspecting concrete error types.
var (
	// ErrNoEligibleTask is returned by GetNextTask when no task is
	// currently eligible for lease (queue empty or all blocked on
	// unmet dependencies / next_retry_at in the future).
	ErrNoEligibleTask = errors.New("queue: no eligible task")

	// ErrLeaseLost is returned when a write is rejected because the
	// caller no longer holds the task's lease (expired and reclaimed
	// by another worker, or already completed).
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrTaskNotFound is returned when an operation addresses a task or
	// document that has no matching in-flight row.
	ErrTaskNotFound = errors.New("queue: task not found")
)
