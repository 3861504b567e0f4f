// Package checkpoint implements the gate through which external input enters
// a running process. A stage that needs input suspends its process here; the
// gate validates the eventual response, applies it to the process context,
// and hands the process back to the background task runner.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/pipeline"
	"github.com/draftflow/draftflow-go/store"
)

// TaskScheduler schedules the continuation task after a checkpoint resolves.
// The runner implements it; the indirection keeps the gate free of runner
// internals.
type TaskScheduler interface {
	Schedule(ctx context.Context, processID string, kind contracts.TaskKind) error
}

// Gate suspends processes that need external input and resumes them when a
// valid response arrives. All waiting state lives in the store, so the gate
// itself survives restarts with nothing to recover.
type Gate struct {
	store  store.Store
	events *eventlog.Log
	flows  *pipeline.FlowSet
	sched  TaskScheduler
	logger *slog.Logger
}

// Option configures the gate
type Option func(*Gate)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// New creates a checkpoint gate
func New(st store.Store, events *eventlog.Log, flows *pipeline.FlowSet, sched TaskScheduler, opts ...Option) *Gate {
	g := &Gate{
		store:  st,
		events: events,
		flows:  flows,
		sched:  sched,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestInput suspends the process at its current stage pending external
// input. The request data is persisted verbatim so later replays reproduce
// identical bytes.
func (g *Gate) RequestInput(ctx context.Context, proc *contracts.Process, kind contracts.RequestKind, data json.RawMessage, updates *contracts.ProcessContext) error {
	upd := store.ProcessUpdate{
		Status:          store.Ptr(contracts.ProcessUserInputRequired),
		WaitingForInput: store.Ptr(true),
		InputKind:       store.Ptr(kind),
		PendingRequest:  store.Ptr(data),
		Context:         updates,
	}
	if err := g.store.UpdateProcess(ctx, proc.ID, upd); err != nil {
		return fmt.Errorf("failed to suspend process at checkpoint: %w", err)
	}

	if _, err := g.events.Append(ctx, proc.ID, contracts.EventCheckpointRequested, contracts.CheckpointRequest{
		ProcessID:   proc.ID,
		RequestKind: kind,
		Data:        data,
	}); err != nil {
		g.logger.Warn("failed to publish checkpoint request",
			"processId", proc.ID,
			"error", err)
	}

	g.logger.Info("process waiting for input",
		"processId", proc.ID,
		"stage", proc.CurrentStage,
		"requestKind", kind)
	return nil
}

// PendingRequest returns the outstanding checkpoint request for the process,
// or contracts.ErrNoPendingRequest when it is not waiting. Reconnecting
// observers use this to replay the request they missed; the returned data is
// byte-identical to the original.
func (g *Gate) PendingRequest(ctx context.Context, processID string) (*contracts.CheckpointRequest, error) {
	proc, err := g.store.LoadProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if !proc.WaitingForInput {
		return nil, contracts.ErrNoPendingRequest
	}
	return &contracts.CheckpointRequest{
		ProcessID:   proc.ID,
		RequestKind: proc.InputKind,
		Data:        proc.PendingRequest,
	}, nil
}

// SubmitResponse resolves the outstanding checkpoint with the given response.
// The response must match the pending request's kind and pass shape
// validation; on success the process context is updated, the flow advances,
// and a continuation task is scheduled. Validation failures leave the process
// waiting with its state untouched.
func (g *Gate) SubmitResponse(ctx context.Context, processID string, kind contracts.RequestKind, payload json.RawMessage) error {
	proc, err := g.store.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status.IsTerminal() || !proc.WaitingForInput {
		return contracts.ErrNoPendingRequest
	}
	if kind != proc.InputKind {
		return fmt.Errorf("%w: got %s, expected %s", contracts.ErrInvalidResponseKind, kind, proc.InputKind)
	}

	override, err := pipeline.ApplyCheckpointResponse(proc, kind, payload)
	if err != nil {
		return err
	}

	resolvedStage := proc.CurrentStage
	next := override
	if next == "" {
		n, done, err := g.flows.Next(proc.FlowMode, pipeline.StageName(proc.CurrentStage))
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("stage %s cannot be the final stage of flow %s", proc.CurrentStage, proc.FlowMode)
		}
		next = n
	}

	upd := store.ProcessUpdate{
		Status:          store.Ptr(contracts.ProcessPending),
		CurrentStage:    store.Ptr(string(next)),
		ReplaceContext:  &proc.Context,
		WaitingForInput: store.Ptr(false),
		InputKind:       store.Ptr(contracts.RequestKind("")),
		PendingRequest:  store.Ptr(json.RawMessage(nil)),
	}
	if err := g.store.UpdateProcess(ctx, processID, upd); err != nil {
		return fmt.Errorf("failed to resolve checkpoint: %w", err)
	}

	if _, err := g.events.Append(ctx, processID, contracts.EventCheckpointResolved, contracts.StagePayload{
		Stage:   resolvedStage,
		Message: fmt.Sprintf("input received, continuing at %s", next),
	}); err != nil {
		g.logger.Warn("failed to publish checkpoint resolution",
			"processId", processID,
			"error", err)
	}

	if err := g.sched.Schedule(ctx, processID, contracts.TaskContinueAfterInput); err != nil {
		return fmt.Errorf("failed to schedule continuation: %w", err)
	}

	g.logger.Info("checkpoint resolved",
		"processId", processID,
		"stage", resolvedStage,
		"next", next)
	return nil
}
