package store

import (
	"context"
	"encoding/json"

	"github.com/draftflow/draftflow-go/contracts"
)

// ProcessUpdate carries a partial update of a process record. Nil fields are
// left untouched; Context is merged through ProcessContext.Merge unless
// ReplaceContext is set by a validated checkpoint application.
type ProcessUpdate struct {
	Status          *contracts.ProcessStatus
	CurrentStage    *string
	Context         *contracts.ProcessContext
	ReplaceContext  *contracts.ProcessContext
	WaitingForInput *bool
	InputKind       *contracts.RequestKind
	PendingRequest  *json.RawMessage
	ErrorMessage    *string
}

// Store is the durable process-state gateway. Implementations must make
// AppendEvent atomic with respect to LastSequence so that sequence
// assignment never gaps or duplicates.
type Store interface {
	// CreateProcess persists a new process and returns its ID
	CreateProcess(ctx context.Context, p *contracts.Process) (string, error)

	// UpdateProcess applies a partial update to an existing process
	UpdateProcess(ctx context.Context, id string, upd ProcessUpdate) error

	// LoadProcess returns the process or contracts.ErrNotFound
	LoadProcess(ctx context.Context, id string) (*contracts.Process, error)

	// AppendEvent atomically assigns lastSequence+1 and stores the event
	AppendEvent(ctx context.Context, id string, eventType string, payload json.RawMessage) (uint64, error)

	// LastSequence returns the highest assigned sequence for the process,
	// zero when no events exist
	LastSequence(ctx context.Context, id string) (uint64, error)

	// Events returns all events with sequence >= from, in order
	Events(ctx context.Context, id string, from uint64) ([]contracts.EventEnvelope, error)

	// ActiveProcesses lists the IDs of processes in a non-terminal status
	ActiveProcesses(ctx context.Context) ([]string, error)
}

// Ptr returns a pointer to v, for building ProcessUpdate literals
func Ptr[T any](v T) *T {
	return &v
}
