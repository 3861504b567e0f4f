package contracts

import (
	"encoding/json"
	"time"
)

// Event types published on the per-process event log. Every state transition
// of a process is accompanied by exactly one of these.
const (
	EventProcessCreated      = "process.created"
	EventStageStarted        = "stage.started"
	EventStageCompleted      = "stage.completed"
	EventCheckpointRequested = "checkpoint.requested"
	EventCheckpointResolved  = "checkpoint.resolved"
	EventResearchProgress    = "research.progress"
	EventTaskRetryScheduled  = "task.retry-scheduled"
	EventProcessPaused       = "process.paused"
	EventProcessResumed      = "process.resumed"
	EventProcessCompleted    = "process.completed"
	EventProcessFailed       = "process.failed"
	EventProcessCancelled    = "process.cancelled"
)

// EventEnvelope is the wire-level, transport-agnostic event record.
// For a fixed process ID, sequences are gapless and strictly increasing
// regardless of how many producers publish concurrently.
type EventEnvelope struct {
	ProcessID string          `json:"processId"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StagePayload is the payload carried by stage and terminal events. Every
// terminal or checkpoint transition carries a human-readable message and
// the stage name.
type StagePayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ProcessCreatedPayload announces a freshly created process
type ProcessCreatedPayload struct {
	OwnerID  string   `json:"ownerId"`
	FlowMode FlowMode `json:"flowMode"`
	Keywords []string `json:"keywords"`
}

// CheckpointRequest asks an external actor for input before the process may
// continue. Replaying the same request after a reconnect reproduces
// identical data.
type CheckpointRequest struct {
	ProcessID   string          `json:"processId"`
	RequestKind RequestKind     `json:"requestKind"`
	Data        json.RawMessage `json:"data"`
}

// CheckpointResponse supplies the input a checkpoint is waiting for.
// ResponseKind must equal the outstanding request's RequestKind.
type CheckpointResponse struct {
	ProcessID    string          `json:"processId"`
	ResponseKind RequestKind     `json:"responseKind"`
	Payload      json.RawMessage `json:"payload"`
}

// OptionItem is one choice offered by a select-option request
type OptionItem struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// SelectOptionRequest offers N options and expects exactly one to be chosen
type SelectOptionRequest struct {
	Prompt  string       `json:"prompt"`
	Options []OptionItem `json:"options"`
}

// SelectOptionResponse carries the chosen option's ID
type SelectOptionResponse struct {
	OptionID string `json:"optionId"`
}

// ApproveRejectRequest presents content for a yes/no decision
type ApproveRejectRequest struct {
	Prompt  string `json:"prompt"`
	Content string `json:"content"`
}

// ApproveRejectResponse carries the decision and optional feedback for a redo
type ApproveRejectResponse struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// ApproveEditRequest presents content that may be approved as-is or edited
type ApproveEditRequest struct {
	Prompt  string `json:"prompt"`
	Content string `json:"content"`
}

// ApproveEditResponse approves the content or replaces it with an edit.
// Either Approved is true or Edited is non-empty.
type ApproveEditResponse struct {
	Approved bool   `json:"approved"`
	Edited   string `json:"edited,omitempty"`
}

// ResearchProgressPayload reports incremental progress of the research subflow
type ResearchProgressPayload struct {
	Stage     string `json:"stage"`
	Phase     int    `json:"phase"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

// RetryPayload reports a scheduled retry of a failed stage
type RetryPayload struct {
	Stage      string `json:"stage"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`
	DelayMs    int64  `json:"delayMs"`
	Error      string `json:"error"`
}
