// Package runner executes background tasks that drive processes through their
// stages. It enforces a single-writer discipline per process, retries
// transient stage failures with bounded backoff, and persists every state
// transition before moving on, so a crashed run resumes from its last
// completed stage.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/internal/reliability"
	"github.com/draftflow/draftflow-go/monitor"
	"github.com/draftflow/draftflow-go/pipeline"
	"github.com/draftflow/draftflow-go/store"
)

// InputGate suspends a process that needs external input. The checkpoint
// gate implements it; the runner only knows it can hand a process over.
type InputGate interface {
	RequestInput(ctx context.Context, proc *contracts.Process, kind contracts.RequestKind, data json.RawMessage, updates *contracts.ProcessContext) error
}

// TimeoutPolicy is notified when a process starts or stops waiting for
// input, so an input-timeout watchdog can arm and disarm itself
type TimeoutPolicy interface {
	InputRequested(processID string, kind contracts.RequestKind)
	InputSatisfied(processID string)
}

// Runner owns background task execution. At most one task per process is
// active at any instant; Schedule rejects a second.
type Runner struct {
	store   store.Store
	events  *eventlog.Log
	flows   *pipeline.FlowSet
	gate    InputGate
	timeout TimeoutPolicy
	policy  reliability.RetryPolicy
	metrics *monitor.Metrics
	logger  *slog.Logger

	maxRetries    int
	maxIterations int

	mu      sync.Mutex
	active  map[string]*contracts.BackgroundTask
	cancels map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// Option configures the runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithRetryPolicy sets the backoff policy for transient stage failures
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(r *Runner) {
		r.policy = policy
	}
}

// WithMaxRetries sets the retry budget given to new tasks
func WithMaxRetries(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithMaxIterations caps how many stage executions one task may perform,
// guarding against a flow that never terminates
func WithMaxIterations(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithTimeoutPolicy sets the input-timeout watchdog
func WithTimeoutPolicy(tp TimeoutPolicy) Option {
	return func(r *Runner) {
		r.timeout = tp
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *monitor.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// New creates a runner. BindGate must be called before the first task that
// can reach a checkpoint stage.
func New(st store.Store, events *eventlog.Log, flows *pipeline.FlowSet, opts ...Option) *Runner {
	r := &Runner{
		store:         st,
		events:        events,
		flows:         flows,
		policy:        reliability.NewExponentialBackoff(2*time.Second, 2*time.Minute, 2.0, 3),
		logger:        slog.Default(),
		maxRetries:    3,
		maxIterations: 50,
		active:        make(map[string]*contracts.BackgroundTask),
		cancels:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BindGate wires the checkpoint gate in after construction. The gate needs
// the runner as its task scheduler, so the two cannot be built in one shot.
func (r *Runner) BindGate(gate InputGate) {
	r.gate = gate
}

// Schedule creates a background task for the process and starts executing it.
// It returns contracts.ErrTaskConflict when a task is already active for the
// process, preserving the single-writer-per-process invariant.
func (r *Runner) Schedule(ctx context.Context, processID string, kind contracts.TaskKind) error {
	if processID == "" {
		return fmt.Errorf("process id cannot be empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("runner is shut down")
	}
	if _, exists := r.active[processID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrTaskConflict, processID)
	}

	task := contracts.NewBackgroundTask(processID, kind, r.maxRetries)
	taskCtx, cancel := context.WithCancel(context.Background())
	r.active[processID] = task
	r.cancels[processID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("task scheduled",
		"processId", processID,
		"taskId", task.ID,
		"kind", kind)

	go r.execute(taskCtx, task)
	return nil
}

// ActiveTask reports the task currently owning the process, if any
func (r *Runner) ActiveTask(processID string) (*contracts.BackgroundTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.active[processID]
	return task, exists
}

// Cancel cooperatively stops the process: any running task is signalled, the
// process is marked cancelled, and a terminal event is published. A process
// already in a terminal status is left alone.
func (r *Runner) Cancel(ctx context.Context, processID string) error {
	proc, err := r.store.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status.IsTerminal() {
		return nil
	}

	r.mu.Lock()
	if cancel, exists := r.cancels[processID]; exists {
		cancel()
	}
	r.mu.Unlock()

	if err := r.store.UpdateProcess(ctx, processID, store.ProcessUpdate{
		Status:          store.Ptr(contracts.ProcessCancelled),
		WaitingForInput: store.Ptr(false),
	}); err != nil {
		return fmt.Errorf("failed to mark process cancelled: %w", err)
	}

	if _, err := r.events.Append(ctx, processID, contracts.EventProcessCancelled, contracts.StagePayload{
		Stage:  proc.CurrentStage,
		Reason: "cancelled by request",
	}); err != nil {
		r.logger.Warn("failed to publish cancellation", "processId", processID, "error", err)
	}

	if r.timeout != nil && proc.WaitingForInput {
		r.timeout.InputSatisfied(processID)
	}
	if r.metrics != nil {
		r.metrics.ActiveProcesses.Dec()
	}
	r.events.Forget(processID)

	r.logger.Info("process cancelled", "processId", processID, "stage", proc.CurrentStage)
	return nil
}

// Recover scans for non-terminal processes after a restart and schedules a
// resume task for each one that is runnable. Processes waiting for input
// re-arm their timeout watchdog instead; paused processes stay paused until
// an observer attaches.
func (r *Runner) Recover(ctx context.Context) error {
	ids, err := r.store.ActiveProcesses(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active processes: %w", err)
	}

	for _, id := range ids {
		proc, err := r.store.LoadProcess(ctx, id)
		if err != nil {
			r.logger.Warn("failed to load process during recovery", "processId", id, "error", err)
			continue
		}

		switch {
		case proc.WaitingForInput:
			if r.timeout != nil {
				r.timeout.InputRequested(id, proc.InputKind)
			}
		case proc.Status == contracts.ProcessPaused:
			// Stays paused until an observer attaches.
		case proc.Status == contracts.ProcessPending || proc.Status == contracts.ProcessInProgress:
			if err := r.Schedule(ctx, id, contracts.TaskResume); err != nil {
				r.logger.Warn("failed to schedule resume", "processId", id, "error", err)
			}
		}
	}
	return nil
}

// Shutdown signals every running task and waits for them to quiesce or the
// context to expire
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release removes the task's ownership of its process
func (r *Runner) release(task *contracts.BackgroundTask, status contracts.TaskStatus) {
	r.mu.Lock()
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	delete(r.active, task.ProcessID)
	if cancel, exists := r.cancels[task.ProcessID]; exists {
		cancel()
		delete(r.cancels, task.ProcessID)
	}
	r.mu.Unlock()
}

// execute drives the process stage by stage until it reaches a checkpoint,
// a terminal status, or a failure. The process record is reloaded at the top
// of every iteration so pauses and cancellations written by other components
// are observed promptly.
func (r *Runner) execute(ctx context.Context, task *contracts.BackgroundTask) {
	defer r.wg.Done()

	task.Status = contracts.TaskRunning
	resumed := false

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if ctx.Err() != nil {
			r.release(task, contracts.TaskCancelled)
			return
		}

		proc, err := r.store.LoadProcess(ctx, task.ProcessID)
		if err != nil {
			r.logger.Error("failed to load process", "processId", task.ProcessID, "error", err)
			r.release(task, contracts.TaskFailed)
			return
		}

		if proc.Status.IsTerminal() || proc.Status == contracts.ProcessPaused {
			r.logger.Info("task quiescing",
				"processId", proc.ID,
				"status", proc.Status)
			r.release(task, contracts.TaskCompleted)
			return
		}

		// A process waiting for input never advances, whatever kind of task
		// holds it.
		if proc.WaitingForInput {
			r.release(task, contracts.TaskCompleted)
			return
		}

		if !resumed {
			resumed = true
			if r.timeout != nil && task.Kind == contracts.TaskContinueAfterInput {
				r.timeout.InputSatisfied(proc.ID)
			}
			if err := r.markRunning(ctx, proc, task.Kind); err != nil {
				r.logger.Error("failed to mark process running", "processId", proc.ID, "error", err)
				r.release(task, contracts.TaskFailed)
				return
			}
		}

		if proc.CurrentStage == "" {
			first, err := r.flows.First(proc.FlowMode)
			if err != nil {
				r.failProcess(ctx, task, proc, "fatal", err)
				return
			}
			proc.CurrentStage = string(first)
			if err := r.store.UpdateProcess(ctx, proc.ID, store.ProcessUpdate{
				CurrentStage: store.Ptr(proc.CurrentStage),
			}); err != nil {
				r.logger.Error("failed to set first stage", "processId", proc.ID, "error", err)
				r.release(task, contracts.TaskFailed)
				return
			}
		}

		stage := pipeline.StageName(proc.CurrentStage)
		spec, err := r.flows.Spec(stage)
		if err != nil {
			r.failProcess(ctx, task, proc, "fatal", err)
			return
		}

		r.appendEvent(ctx, proc.ID, contracts.EventStageStarted, contracts.StagePayload{Stage: string(stage)})

		started := time.Now()
		outcome := r.runStage(ctx, spec, proc, task)
		if r.metrics != nil {
			r.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
		}

		switch outcome.Kind {
		case pipeline.OutcomeAdvance:
			done, err := r.advance(ctx, proc, stage, outcome)
			if err != nil {
				r.failProcess(ctx, task, proc, "fatal", err)
				return
			}
			r.observeStage(stage, "completed")
			if done {
				r.release(task, contracts.TaskCompleted)
				return
			}

		case pipeline.OutcomeNeedsInput:
			if r.gate == nil {
				r.failProcess(ctx, task, proc, "fatal", fmt.Errorf("stage %s needs input but no gate is bound", stage))
				return
			}
			if err := r.gate.RequestInput(ctx, proc, outcome.RequestKind, outcome.RequestData, outcome.Updates); err != nil {
				r.failProcess(ctx, task, proc, "fatal", err)
				return
			}
			if r.timeout != nil {
				r.timeout.InputRequested(proc.ID, outcome.RequestKind)
			}
			if r.metrics != nil {
				r.metrics.CheckpointRequests.WithLabelValues(string(outcome.RequestKind)).Inc()
			}
			r.observeStage(stage, "needs_input")
			r.release(task, contracts.TaskCompleted)
			return

		case pipeline.OutcomeFail:
			r.observeStage(stage, "failed")
			if !r.retry(ctx, task, proc, stage, outcome.Err) {
				return
			}
		}
	}

	r.logger.Error("task exceeded iteration cap",
		"processId", task.ProcessID,
		"iterations", r.maxIterations)
	proc, err := r.store.LoadProcess(ctx, task.ProcessID)
	if err == nil {
		r.failProcess(ctx, task, proc, "fatal", fmt.Errorf("task exceeded %d stage executions", r.maxIterations))
		return
	}
	r.release(task, contracts.TaskFailed)
}

// runStage executes the stage handler, converting a panic into a classified
// error. A first-attempt panic is treated as transient; a panic that repeats
// across a retry is fatal.
func (r *Runner) runStage(ctx context.Context, spec *pipeline.StageSpec, proc *contracts.Process, task *contracts.BackgroundTask) (outcome pipeline.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("stage panicked: %v", rec)
			r.logger.Error("recovered stage panic",
				"processId", proc.ID,
				"stage", spec.Name,
				"panic", rec)
			if task.RetryCount == 0 {
				outcome = pipeline.Fail(contracts.TransientError(string(spec.Name), err))
			} else {
				outcome = pipeline.Fail(contracts.FatalError(string(spec.Name), err))
			}
		}
	}()

	return spec.Handler.Execute(ctx, proc)
}

// advance persists a completed stage and moves the process to the next one.
// It returns true when the flow finished.
func (r *Runner) advance(ctx context.Context, proc *contracts.Process, stage pipeline.StageName, outcome pipeline.Outcome) (bool, error) {
	next := outcome.Next
	done := false
	if next == "" {
		n, d, err := r.flows.Next(proc.FlowMode, stage)
		if err != nil {
			return false, err
		}
		next, done = n, d
	}

	upd := store.ProcessUpdate{Context: outcome.Updates}
	if done {
		upd.Status = store.Ptr(contracts.ProcessCompleted)
	} else {
		upd.CurrentStage = store.Ptr(string(next))
	}
	if err := r.store.UpdateProcess(ctx, proc.ID, upd); err != nil {
		return false, fmt.Errorf("failed to persist stage completion: %w", err)
	}

	r.appendEvent(ctx, proc.ID, contracts.EventStageCompleted, contracts.StagePayload{Stage: string(stage)})

	if done {
		r.appendEvent(ctx, proc.ID, contracts.EventProcessCompleted, contracts.StagePayload{
			Stage:   string(stage),
			Message: "all stages completed",
		})
		if r.metrics != nil {
			r.metrics.ActiveProcesses.Dec()
		}
		r.events.Forget(proc.ID)
		r.logger.Info("process completed", "processId", proc.ID)
	}
	return done, nil
}

// retry decides what to do with a failed stage. It returns true when the
// task should keep looping (the retry delay has already elapsed), false when
// the task is finished.
func (r *Runner) retry(ctx context.Context, task *contracts.BackgroundTask, proc *contracts.Process, stage pipeline.StageName, stageErr error) bool {
	if ctx.Err() != nil {
		r.release(task, contracts.TaskCancelled)
		return false
	}

	kind := contracts.ClassifyStageError(stageErr)

	if kind == contracts.FailureTransient && task.RetryCount < task.MaxRetries {
		delay := r.policy.NextDelay(task.RetryCount)
		task.RetryCount++
		task.LastError = stageErr.Error()
		task.ScheduledFor = time.Now().UTC().Add(delay)

		r.appendEvent(ctx, proc.ID, contracts.EventTaskRetryScheduled, contracts.RetryPayload{
			Stage:      string(stage),
			RetryCount: task.RetryCount,
			MaxRetries: task.MaxRetries,
			DelayMs:    delay.Milliseconds(),
			Error:      stageErr.Error(),
		})
		if r.metrics != nil {
			r.metrics.RetriesTotal.Inc()
		}
		r.logger.Warn("stage failed, retry scheduled",
			"processId", proc.ID,
			"stage", stage,
			"retryCount", task.RetryCount,
			"maxRetries", task.MaxRetries,
			"delay", delay,
			"error", stageErr)

		select {
		case <-time.After(delay):
			return true
		case <-ctx.Done():
			r.release(task, contracts.TaskCancelled)
			return false
		}
	}

	reason := string(kind)
	if kind == contracts.FailureTransient {
		reason = string(contracts.FailureRetriesExhausted)
		stageErr = fmt.Errorf("%w after %d attempts: %v", contracts.ErrRetriesExhausted, task.RetryCount+1, stageErr)
	}
	r.failProcess(ctx, task, proc, reason, stageErr)
	return false
}

// failProcess records a terminal failure of the process and finishes the task
func (r *Runner) failProcess(ctx context.Context, task *contracts.BackgroundTask, proc *contracts.Process, reason string, err error) {
	if uerr := r.store.UpdateProcess(ctx, proc.ID, store.ProcessUpdate{
		Status:       store.Ptr(contracts.ProcessError),
		ErrorMessage: store.Ptr(err.Error()),
	}); uerr != nil {
		r.logger.Error("failed to persist process failure", "processId", proc.ID, "error", uerr)
	}

	r.appendEvent(ctx, proc.ID, contracts.EventProcessFailed, contracts.StagePayload{
		Stage:   proc.CurrentStage,
		Message: err.Error(),
		Reason:  reason,
	})
	if r.metrics != nil {
		r.metrics.ActiveProcesses.Dec()
	}
	r.events.Forget(proc.ID)

	r.logger.Error("process failed",
		"processId", proc.ID,
		"stage", proc.CurrentStage,
		"reason", reason,
		"error", err)

	task.LastError = err.Error()
	r.release(task, contracts.TaskFailed)
}

// markRunning flips the process into in_progress and publishes a resume
// event when the task picks up previously suspended work
func (r *Runner) markRunning(ctx context.Context, proc *contracts.Process, kind contracts.TaskKind) error {
	if proc.Status != contracts.ProcessInProgress {
		if err := r.store.UpdateProcess(ctx, proc.ID, store.ProcessUpdate{
			Status: store.Ptr(contracts.ProcessInProgress),
		}); err != nil {
			return err
		}
	}
	if kind == contracts.TaskResume {
		r.appendEvent(ctx, proc.ID, contracts.EventProcessResumed, contracts.StagePayload{
			Stage: proc.CurrentStage,
		})
	}
	return nil
}

// appendEvent publishes an event, logging instead of failing when the log
// write does not succeed
func (r *Runner) appendEvent(ctx context.Context, processID, eventType string, payload any) {
	if _, err := r.events.Append(ctx, processID, eventType, payload); err != nil {
		r.logger.Warn("failed to append event",
			"processId", processID,
			"type", eventType,
			"error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.EventsAppended.Inc()
	}
}

func (r *Runner) observeStage(stage pipeline.StageName, outcome string) {
	if r.metrics != nil {
		r.metrics.StagesTotal.WithLabelValues(string(stage), outcome).Inc()
	}
}
