// Package queue implements the processing queue: the Queue Store's SQL
// contract, the Queue Manager built on top of it, and the retry/backoff
// policy shared by both.
package queue

import "time"

// TaskType identifies which pipeline a task runs through.
type TaskType string

const (
	TaskTypePDFAnalysis          TaskType = "pdf_analysis"
	TaskTypeSpecializedClinical  TaskType = "specialized_clinical"
	TaskTypeSpecializedRegulatory TaskType = "specialized_regulatory"
	TaskTypeSpecializedScience   TaskType = "specialized_science"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Priority orders tasks within the same eligibility window.
type Priority int

const (
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Task mirrors one row of processing_queue.
type Task struct {
	ID                 int64
	DocumentID         int64
	TaskType           TaskType
	Status             Status
	Priority           Priority
	FilePath           string
	CompanyID          int64
	ProcessingOptions  map[string]any
	ProgressPercentage int
	CurrentStep        string
	ProgressMessage    string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	RetryCount         int
	MaxRetries         int
	NextRetryAt        *time.Time
	LastError          string
	ErrorCount         int
	LockedBy           string
	LockedAt           *time.Time
	LockExpiresAt      *time.Time
	ResultsFilePath    string
	ProcessingMetadata map[string]any
}

// DependencyType distinguishes a hard completion gate from a success-only gate.
type DependencyType string

const (
	DependencyCompletion DependencyType = "completion"
	DependencySuccessOnly DependencyType = "success_only"
)

// ServerType distinguishes the processing capability of a Worker Registration.
type ServerType string

const (
	ServerTypeCPU ServerType = "cpu"
	ServerTypeGPU ServerType = "gpu"
)

// ServerStatus is a Worker Registration's liveness state.
type ServerStatus string

const (
	ServerStatusActive      ServerStatus = "active"
	ServerStatusInactive    ServerStatus = "inactive"
	ServerStatusMaintenance ServerStatus = "maintenance"
)

// ServerCapabilities describes what a registered worker can run and how loaded it is.
type ServerCapabilities struct {
	PDFAnalysis    bool `json:"pdf_analysis"`
	GPUAvailable   bool `json:"gpu_available"`
	MaxConcurrent  int  `json:"max_concurrent"`
}

// QueueStats summarizes task counts per status, for monitoring and the admin surface.
type QueueStats struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Retry      int
}

// DefaultMaxRetries is used for newly enqueued tasks when not overridden.
const DefaultMaxRetries = 3

// DefaultLease is the sliding lease window granted on lease/renewal.
const DefaultLease = 30 * time.Minute
