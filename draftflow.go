// Package draftflow orchestrates long-running content-generation processes:
// a staged pipeline with human checkpoints, crash-resumable background
// execution, and an ordered per-process event stream for observers.
package draftflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/draftflow/draftflow-go/checkpoint"
	"github.com/draftflow/draftflow-go/config"
	"github.com/draftflow/draftflow-go/connection"
	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/internal/reliability"
	"github.com/draftflow/draftflow-go/monitor"
	"github.com/draftflow/draftflow-go/pipeline"
	"github.com/draftflow/draftflow-go/research"
	"github.com/draftflow/draftflow-go/runner"
	"github.com/draftflow/draftflow-go/store"
)

// Client is the high-level entry point. It wires the store, event log, stage
// flows, background runner, checkpoint gate, and connection manager into one
// orchestrator.
type Client struct {
	store   store.Store
	events  *eventlog.Log
	flows   *pipeline.FlowSet
	runner  *runner.Runner
	gate    *checkpoint.Gate
	manager *connection.Manager
	watcher *connection.InputTimeoutWatcher
	metrics *monitor.Metrics
	logger  *slog.Logger
}

type clientOptions struct {
	store   store.Store
	cfg     *config.Config
	logger  *slog.Logger
	gen     pipeline.Generator
	search  pipeline.Searcher
	metrics *monitor.Metrics
}

// ClientOption configures the client
type ClientOption func(*clientOptions)

// WithStore sets the persistence gateway; defaults to the in-memory store
func WithStore(st store.Store) ClientOption {
	return func(o *clientOptions) {
		o.store = st
	}
}

// WithConfig sets the configuration; defaults to config.Default()
func WithConfig(cfg *config.Config) ClientOption {
	return func(o *clientOptions) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithGenerator sets the content generator all stages call
func WithGenerator(gen pipeline.Generator) ClientOption {
	return func(o *clientOptions) {
		o.gen = gen
	}
}

// WithSearcher sets the research search integration
func WithSearcher(search pipeline.Searcher) ClientOption {
	return func(o *clientOptions) {
		o.search = search
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics(m *monitor.Metrics) ClientOption {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// NewClient builds a fully wired orchestrator. A generator and a searcher
// are required; everything else has working defaults.
func NewClient(opts ...ClientOption) (*Client, error) {
	o := &clientOptions{
		cfg:    config.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.gen == nil {
		return nil, fmt.Errorf("a generator is required")
	}
	if o.search == nil {
		return nil, fmt.Errorf("a searcher is required")
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	events := eventlog.New(o.store, eventlog.WithLogger(o.logger))

	researchExec := research.NewExecutor(
		research.WithMaxConcurrent(o.cfg.Research.MaxConcurrent),
		research.WithFollowUpLimit(o.cfg.Research.FollowUpLimit),
		research.WithMaxPhases(o.cfg.Research.MaxPhases),
		research.WithExecutorLogger(o.logger),
	)

	flows, err := pipeline.ContentFlowSet(pipeline.HandlerDeps{
		Gen:         o.gen,
		Search:      o.search,
		Events:      events,
		Research:    researchExec,
		Logger:      o.logger,
		CallTimeout: o.cfg.Runner.CallTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	watcher := connection.NewInputTimeoutWatcher(o.store, events, o.cfg.Connection.InputTimeout.Std(),
		connection.WithWatcherLogger(o.logger))

	runnerOpts := []runner.Option{
		runner.WithLogger(o.logger),
		runner.WithMaxRetries(o.cfg.Runner.MaxRetries),
		runner.WithMaxIterations(o.cfg.Runner.MaxIterations),
		runner.WithRetryPolicy(reliability.NewExponentialBackoff(
			o.cfg.Runner.BaseRetryDelay.Std(),
			o.cfg.Runner.MaxRetryDelay.Std(),
			o.cfg.Runner.BackoffMultiplier,
			o.cfg.Runner.MaxRetries,
		)),
		runner.WithTimeoutPolicy(watcher),
	}
	if o.metrics != nil {
		runnerOpts = append(runnerOpts, runner.WithMetrics(o.metrics))
	}
	run := runner.New(o.store, events, flows, runnerOpts...)

	gate := checkpoint.New(o.store, events, flows, run, checkpoint.WithLogger(o.logger))
	run.BindGate(gate)

	managerOpts := []connection.Option{
		connection.WithLogger(o.logger),
		connection.WithHeartbeatInterval(o.cfg.Connection.HeartbeatInterval.Std()),
	}
	if o.metrics != nil {
		managerOpts = append(managerOpts, connection.WithMetrics(o.metrics))
	}
	manager := connection.NewManager(o.store, events, flows, run, gate, managerOpts...)

	return &Client{
		store:   o.store,
		events:  events,
		flows:   flows,
		runner:  run,
		gate:    gate,
		manager: manager,
		watcher: watcher,
		metrics: o.metrics,
		logger:  o.logger,
	}, nil
}

// CreateProcess starts a new generation process and schedules its first task
func (c *Client) CreateProcess(ctx context.Context, ownerID string, mode contracts.FlowMode, keywords []string) (*contracts.Process, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("at least one keyword is required")
	}
	if mode == "" {
		mode = contracts.FlowResearchFirst
	}
	if mode != contracts.FlowResearchFirst && mode != contracts.FlowOutlineFirst {
		return nil, fmt.Errorf("unknown flow mode: %s", mode)
	}

	proc := contracts.NewProcess(ownerID, mode, keywords)
	if _, err := c.store.CreateProcess(ctx, proc); err != nil {
		return nil, fmt.Errorf("failed to create process: %w", err)
	}

	if _, err := c.events.Append(ctx, proc.ID, contracts.EventProcessCreated, contracts.ProcessCreatedPayload{
		OwnerID:  ownerID,
		FlowMode: mode,
		Keywords: keywords,
	}); err != nil {
		c.logger.Warn("failed to publish creation event", "processId", proc.ID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.ActiveProcesses.Inc()
	}

	if err := c.runner.Schedule(ctx, proc.ID, contracts.TaskStart); err != nil {
		return nil, fmt.Errorf("failed to schedule start task: %w", err)
	}

	c.logger.Info("process created",
		"processId", proc.ID,
		"ownerId", ownerID,
		"flowMode", mode)
	return proc, nil
}

// Process returns the current state of a process
func (c *Client) Process(ctx context.Context, processID string) (*contracts.Process, error) {
	return c.store.LoadProcess(ctx, processID)
}

// PendingRequest returns the checkpoint request a process is waiting on
func (c *Client) PendingRequest(ctx context.Context, processID string) (*contracts.CheckpointRequest, error) {
	return c.gate.PendingRequest(ctx, processID)
}

// SubmitResponse answers the outstanding checkpoint request
func (c *Client) SubmitResponse(ctx context.Context, processID string, kind contracts.RequestKind, payload json.RawMessage) error {
	return c.gate.SubmitResponse(ctx, processID, kind, payload)
}

// Attach connects an observer to the process, replaying events after fromSeq
func (c *Client) Attach(ctx context.Context, processID string, ch connection.ObserverChannel, fromSeq uint64) error {
	return c.manager.Attach(ctx, processID, ch, fromSeq)
}

// Detach disconnects the process's observer
func (c *Client) Detach(ctx context.Context, processID string) error {
	return c.manager.Detach(ctx, processID)
}

// Cancel cooperatively stops a process. Cancelling a process that already
// reached a terminal status is a no-op.
func (c *Client) Cancel(ctx context.Context, processID string) error {
	return c.runner.Cancel(ctx, processID)
}

// Events reads the process's event log from the given sequence
func (c *Client) Events(ctx context.Context, processID string, from uint64) ([]contracts.EventEnvelope, error) {
	return c.events.ReadFrom(ctx, processID, from)
}

// EventLog exposes the event log for transports that relay events elsewhere
func (c *Client) EventLog() *eventlog.Log {
	return c.events
}

// Recover schedules resume tasks for processes interrupted by a restart
func (c *Client) Recover(ctx context.Context) error {
	return c.runner.Recover(ctx)
}

// Close shuts the orchestrator down, waiting for running tasks to quiesce
func (c *Client) Close(ctx context.Context) error {
	c.manager.Close()
	c.watcher.Stop()
	return c.runner.Shutdown(ctx)
}
