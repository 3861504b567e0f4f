package contracts

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies why a background task was scheduled
type TaskKind string

const (
	// TaskStart drives a freshly created process from its first stage
	TaskStart TaskKind = "start"
	// TaskContinueAfterInput resumes a process after a checkpoint response
	TaskContinueAfterInput TaskKind = "continue-after-input"
	// TaskResume picks up a process after a pause or a restart
	TaskResume TaskKind = "resume"
)

// TaskStatus represents the execution status of a background task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can no longer change status
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// BackgroundTask is one schedulable, retryable unit of execution that runs
// stages until a checkpoint, a terminal state, or a failure. Tasks are owned
// by the runner; at most one task per process may be running at any instant.
type BackgroundTask struct {
	ID           string     `json:"id"`
	ProcessID    string     `json:"processId"`
	Kind         TaskKind   `json:"kind"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewBackgroundTask creates a pending task scheduled for immediate execution
func NewBackgroundTask(processID string, kind TaskKind, maxRetries int) *BackgroundTask {
	now := time.Now().UTC()
	return &BackgroundTask{
		ID:           uuid.New().String(),
		ProcessID:    processID,
		Kind:         kind,
		Status:       TaskPending,
		MaxRetries:   maxRetries,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
