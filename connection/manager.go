// Package connection manages observer attachments to running processes.
// Observers are strictly optional: stages keep executing while nobody is
// attached, an attach replays the events and any pending checkpoint request
// the observer missed, and a detach decides between pausing the process and
// letting it run unattended based on the current stage's disconnect policy.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/monitor"
	"github.com/draftflow/draftflow-go/pipeline"
	"github.com/draftflow/draftflow-go/store"
)

// ObserverChannel is the outbound half of one attached observer connection.
// Send and Ping errors mean the connection is gone; the manager treats them
// as a detach and never lets them affect process execution.
type ObserverChannel interface {
	Send(envelope contracts.EventEnvelope) error
	Ping() error
	Close() error
}

// Scheduler schedules background tasks; the runner implements it
type Scheduler interface {
	Schedule(ctx context.Context, processID string, kind contracts.TaskKind) error
}

// RequestReplayer returns the outstanding checkpoint request for a process;
// the checkpoint gate implements it
type RequestReplayer interface {
	PendingRequest(ctx context.Context, processID string) (*contracts.CheckpointRequest, error)
}

// Manager tracks at most one observer attachment per process
type Manager struct {
	store   store.Store
	events  *eventlog.Log
	flows   *pipeline.FlowSet
	sched   Scheduler
	replay  RequestReplayer
	metrics *monitor.Metrics
	logger  *slog.Logger

	heartbeatInterval time.Duration

	mu          sync.Mutex
	attachments map[string]*attachment
}

type attachment struct {
	channel   ObserverChannel
	cancelSub func()
	stop      chan struct{}
	done      chan struct{}
}

// Option configures the manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHeartbeatInterval sets how often an idle connection is pinged
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(metrics *monitor.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a connection manager
func NewManager(st store.Store, events *eventlog.Log, flows *pipeline.FlowSet, sched Scheduler, replay RequestReplayer, opts ...Option) *Manager {
	m := &Manager{
		store:             st,
		events:            events,
		flows:             flows,
		sched:             sched,
		replay:            replay,
		logger:            slog.Default(),
		heartbeatInterval: 15 * time.Second,
		attachments:       make(map[string]*attachment),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach connects an observer to the process. Events after fromSeq are
// replayed first, then live events stream until detach. A pending checkpoint
// request is replayed so a reconnecting observer can answer it, and a paused
// process is resumed.
func (m *Manager) Attach(ctx context.Context, processID string, ch ObserverChannel, fromSeq uint64) error {
	proc, err := m.store.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}

	// A second attach replaces the first; the stale connection is closed
	// without touching process state.
	m.mu.Lock()
	if prev, exists := m.attachments[processID]; exists {
		m.stopAttachment(prev)
		delete(m.attachments, processID)
	}

	// The live subscription opens before the backlog read so an event
	// appended in between lands in at least one of the two; any event caught
	// by both is deduped by sequence in the pump.
	live, cancelSub := m.events.Subscribe(processID, 256)
	backlog, err := m.events.ReadFrom(ctx, processID, fromSeq+1)
	if err != nil {
		cancelSub()
		m.mu.Unlock()
		return fmt.Errorf("failed to read event backlog: %w", err)
	}

	att := &attachment{
		channel:   ch,
		cancelSub: cancelSub,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.attachments[processID] = att
	m.mu.Unlock()

	replayedThrough := fromSeq
	for _, envelope := range backlog {
		if err := ch.Send(envelope); err != nil {
			m.handleConnectionLoss(processID, att, err)
			return fmt.Errorf("observer connection failed during replay: %w", err)
		}
		replayedThrough = envelope.Sequence
	}

	if proc.WaitingForInput && m.replay != nil {
		if err := m.replayPendingRequest(ctx, processID, ch); err != nil {
			m.logger.Warn("failed to replay pending checkpoint request",
				"processId", processID,
				"error", err)
		}
	}

	go m.pump(processID, att, live, replayedThrough)

	if m.metrics != nil {
		m.metrics.AttachedObservers.Inc()
	}
	m.logger.Info("observer attached",
		"processId", processID,
		"fromSequence", fromSeq,
		"replayed", len(backlog))

	if proc.Status == contracts.ProcessPaused {
		if err := m.resume(ctx, processID); err != nil {
			m.logger.Warn("failed to resume paused process",
				"processId", processID,
				"error", err)
		}
	}
	return nil
}

// Detach disconnects the observer. A process in a disconnect-resilient stage
// keeps running unattended; otherwise it is paused until the next attach.
// A process waiting for input stays waiting under its timeout window.
func (m *Manager) Detach(ctx context.Context, processID string) error {
	m.mu.Lock()
	att, exists := m.attachments[processID]
	if exists {
		m.stopAttachment(att)
		delete(m.attachments, processID)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	if m.metrics != nil {
		m.metrics.AttachedObservers.Dec()
	}

	return m.applyDetachPolicy(ctx, processID)
}

// Attached reports whether the process currently has an observer
func (m *Manager) Attached(processID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.attachments[processID]
	return exists
}

// Close detaches every observer without touching process state, for shutdown
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, att := range m.attachments {
		m.stopAttachment(att)
		delete(m.attachments, id)
	}
}

// stopAttachment tears down the pump and connection; callers hold m.mu
func (m *Manager) stopAttachment(att *attachment) {
	select {
	case <-att.stop:
	default:
		close(att.stop)
	}
	att.cancelSub()
	if err := att.channel.Close(); err != nil {
		m.logger.Debug("error closing observer channel", "error", err)
	}
}

// pump streams live events and heartbeats to the observer until the
// attachment stops or the connection fails. Events at or below
// replayedThrough were already delivered by the backlog replay and are
// skipped.
func (m *Manager) pump(processID string, att *attachment, live <-chan contracts.EventEnvelope, replayedThrough uint64) {
	defer close(att.done)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-att.stop:
			return

		case envelope, ok := <-live:
			if !ok {
				return
			}
			if envelope.Sequence <= replayedThrough {
				continue
			}
			if err := att.channel.Send(envelope); err != nil {
				m.handleConnectionLoss(processID, att, err)
				return
			}

		case <-ticker.C:
			if err := att.channel.Ping(); err != nil {
				m.handleConnectionLoss(processID, att, err)
				return
			}
		}
	}
}

// handleConnectionLoss treats a failed send or ping as a detach. Connection
// failures only ever change attachment state; the process itself is paused
// or left running by the same policy as an explicit detach.
func (m *Manager) handleConnectionLoss(processID string, att *attachment, cause error) {
	m.mu.Lock()
	current, exists := m.attachments[processID]
	if !exists || current != att {
		// Already replaced or detached.
		m.mu.Unlock()
		return
	}
	m.stopAttachment(att)
	delete(m.attachments, processID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AttachedObservers.Dec()
	}
	m.logger.Warn("observer connection lost",
		"processId", processID,
		"error", cause)

	if err := m.applyDetachPolicy(context.Background(), processID); err != nil {
		m.logger.Error("failed to apply detach policy after connection loss",
			"processId", processID,
			"error", err)
	}
}

// applyDetachPolicy pauses the process unless its current stage runs
// unattended or it is already waiting, terminal, or paused
func (m *Manager) applyDetachPolicy(ctx context.Context, processID string) error {
	proc, err := m.store.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}

	if proc.Status.IsTerminal() || proc.Status == contracts.ProcessPaused || proc.WaitingForInput {
		return nil
	}

	if m.flows.Resilient(pipeline.StageName(proc.CurrentStage)) {
		m.logger.Info("observer detached, stage continues unattended",
			"processId", processID,
			"stage", proc.CurrentStage)
		return nil
	}

	if err := m.store.UpdateProcess(ctx, processID, store.ProcessUpdate{
		Status: store.Ptr(contracts.ProcessPaused),
	}); err != nil {
		return fmt.Errorf("failed to pause process: %w", err)
	}

	if _, err := m.events.Append(ctx, processID, contracts.EventProcessPaused, contracts.StagePayload{
		Stage:  proc.CurrentStage,
		Reason: "observer detached",
	}); err != nil {
		m.logger.Warn("failed to publish pause event", "processId", processID, "error", err)
	}

	m.logger.Info("process paused on detach",
		"processId", processID,
		"stage", proc.CurrentStage)
	return nil
}

// resume flips a paused process back to runnable and schedules a resume task
func (m *Manager) resume(ctx context.Context, processID string) error {
	if err := m.store.UpdateProcess(ctx, processID, store.ProcessUpdate{
		Status: store.Ptr(contracts.ProcessPending),
	}); err != nil {
		return fmt.Errorf("failed to unpause process: %w", err)
	}
	if err := m.sched.Schedule(ctx, processID, contracts.TaskResume); err != nil {
		return fmt.Errorf("failed to schedule resume: %w", err)
	}
	return nil
}

// replayPendingRequest re-sends the outstanding checkpoint request as an
// out-of-band envelope; sequence zero marks it as a replay rather than a new
// log entry
func (m *Manager) replayPendingRequest(ctx context.Context, processID string, ch ObserverChannel) error {
	req, err := m.replay.PendingRequest(ctx, processID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}
	return ch.Send(contracts.EventEnvelope{
		ProcessID: processID,
		Sequence:  0,
		Type:      contracts.EventCheckpointRequested,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
