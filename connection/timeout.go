package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/store"
)

// InputTimeoutWatcher fails a process that waits for checkpoint input longer
// than the configured window. The runner arms it when a stage suspends and
// disarms it when a continuation task picks the process back up; the window
// keeps counting whether or not an observer is attached.
type InputTimeoutWatcher struct {
	store  store.Store
	events *eventlog.Log
	window time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// WatcherOption configures the watcher
type WatcherOption func(*InputTimeoutWatcher)

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *InputTimeoutWatcher) {
		w.logger = logger
	}
}

// NewInputTimeoutWatcher creates a watcher with the given timeout window
func NewInputTimeoutWatcher(st store.Store, events *eventlog.Log, window time.Duration, opts ...WatcherOption) *InputTimeoutWatcher {
	if window <= 0 {
		window = 24 * time.Hour
	}
	w := &InputTimeoutWatcher{
		store:  st,
		events: events,
		window: window,
		logger: slog.Default(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// InputRequested arms the timeout for the process, replacing any earlier
// timer
func (w *InputTimeoutWatcher) InputRequested(processID string, kind contracts.RequestKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, exists := w.timers[processID]; exists {
		timer.Stop()
	}
	w.timers[processID] = time.AfterFunc(w.window, func() {
		w.fire(processID)
	})

	w.logger.Debug("input timeout armed",
		"processId", processID,
		"requestKind", kind,
		"window", w.window)
}

// InputSatisfied disarms the timeout for the process
func (w *InputTimeoutWatcher) InputSatisfied(processID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.timers[processID]; exists {
		timer.Stop()
		delete(w.timers, processID)
	}
}

// Stop disarms every timer; armed timeouts no longer fire
func (w *InputTimeoutWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, timer := range w.timers {
		timer.Stop()
		delete(w.timers, id)
	}
}

// fire fails the process whose input window expired. The stored waiting flag
// is re-checked so a response that raced the timer wins.
func (w *InputTimeoutWatcher) fire(processID string) {
	w.mu.Lock()
	delete(w.timers, processID)
	w.mu.Unlock()

	ctx := context.Background()
	proc, err := w.store.LoadProcess(ctx, processID)
	if err != nil {
		w.logger.Warn("input timeout fired for unloadable process",
			"processId", processID,
			"error", err)
		return
	}
	if !proc.WaitingForInput || proc.Status.IsTerminal() {
		return
	}

	if err := w.store.UpdateProcess(ctx, processID, store.ProcessUpdate{
		Status:          store.Ptr(contracts.ProcessError),
		WaitingForInput: store.Ptr(false),
		ErrorMessage:    store.Ptr(contracts.ErrInputTimeout.Error()),
	}); err != nil {
		w.logger.Error("failed to fail timed-out process",
			"processId", processID,
			"error", err)
		return
	}

	if _, err := w.events.Append(ctx, processID, contracts.EventProcessFailed, contracts.StagePayload{
		Stage:   proc.CurrentStage,
		Message: contracts.ErrInputTimeout.Error(),
		Reason:  string(contracts.FailureTimeout),
	}); err != nil {
		w.logger.Warn("failed to publish input timeout", "processId", processID, "error", err)
	}
	w.events.Forget(processID)

	w.logger.Warn("checkpoint input timed out",
		"processId", processID,
		"stage", proc.CurrentStage,
		"window", w.window)
}
