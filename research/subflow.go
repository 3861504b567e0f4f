package research

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Query is one research sub-query to execute
type Query struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Result is the outcome of one sub-query. A failed sub-query carries Err and
// does not abort the rest of the batch.
type Result struct {
	Query   Query    `json:"query"`
	Summary string   `json:"summary,omitempty"`
	Sources []string `json:"sources,omitempty"`
	Err     error    `json:"-"`
}

// QueryFunc executes a single sub-query
type QueryFunc func(ctx context.Context, q Query) (Result, error)

// Analysis is the verdict of a gap-analysis step: either the aggregated
// results are sufficient, or a bounded batch of follow-up queries is needed
type Analysis struct {
	Sufficient bool
	FollowUps  []Query
}

// Analyzer inspects aggregated results against the research goal
type Analyzer interface {
	Analyze(ctx context.Context, goal string, results []Result) (Analysis, error)
}

// AnalyzerFunc is a function adapter for Analyzer
type AnalyzerFunc func(ctx context.Context, goal string, results []Result) (Analysis, error)

// Analyze implements Analyzer
func (f AnalyzerFunc) Analyze(ctx context.Context, goal string, results []Result) (Analysis, error) {
	return f(ctx, goal, results)
}

// Progress is a snapshot of subflow progress published after every completed
// sub-query
type Progress struct {
	Phase     int
	Completed int
	Failed    int
	Total     int
}

// ProgressFunc receives progress snapshots
type ProgressFunc func(Progress)

// Outcome aggregates the whole subflow run
type Outcome struct {
	Results    []Result
	Phases     int
	Failed     int
	Sufficient bool
}

// Executor runs research sub-queries with bounded concurrency and an
// optional iterative gap-analysis loop
type Executor struct {
	maxConcurrent int
	followUpLimit int
	maxPhases     int
	logger        *slog.Logger
	onProgress    ProgressFunc
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithMaxConcurrent bounds how many sub-queries run at once
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithFollowUpLimit bounds how many follow-up queries one gap-analysis phase
// may add
func WithFollowUpLimit(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.followUpLimit = n
		}
	}
}

// WithMaxPhases caps the number of gap-analysis phases
func WithMaxPhases(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxPhases = n
		}
	}
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithProgressFunc sets the progress callback
func WithProgressFunc(fn ProgressFunc) ExecutorOption {
	return func(e *Executor) {
		e.onProgress = fn
	}
}

// NewExecutor creates an executor with sensible bounds
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		maxConcurrent: 4,
		followUpLimit: 3,
		maxPhases:     3,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// progressCounter tracks completed and failed sub-queries across concurrent
// workers; updates are synchronized to avoid lost increments
type progressCounter struct {
	mu        sync.Mutex
	completed int
	failed    int
	total     int
	phase     int
	report    ProgressFunc
}

func (c *progressCounter) record(failed bool) {
	c.mu.Lock()
	c.completed++
	if failed {
		c.failed++
	}
	snapshot := Progress{
		Phase:     c.phase,
		Completed: c.completed,
		Failed:    c.failed,
		Total:     c.total,
	}
	report := c.report
	c.mu.Unlock()

	if report != nil {
		report(snapshot)
	}
}

func (c *progressCounter) nextPhase(added int) {
	c.mu.Lock()
	c.phase++
	c.total += added
	c.mu.Unlock()
}

// Run executes the initial batch of sub-queries, then repeats gap analysis
// and bounded follow-up batches until the analyzer reports sufficiency or
// the phase cap is reached. A nil analyzer runs exactly one phase.
func (e *Executor) Run(ctx context.Context, goal string, queries []Query, run QueryFunc, analyzer Analyzer) (*Outcome, error) {
	return e.RunWithProgress(ctx, goal, queries, run, analyzer, e.onProgress)
}

// RunWithProgress is Run with a per-invocation progress callback, for
// callers that report progress into a specific process's event stream
func (e *Executor) RunWithProgress(ctx context.Context, goal string, queries []Query, run QueryFunc, analyzer Analyzer, progress ProgressFunc) (*Outcome, error) {
	if run == nil {
		return nil, fmt.Errorf("query function cannot be nil")
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries to execute")
	}

	counter := &progressCounter{report: progress}
	outcome := &Outcome{}

	batch := queries
	for {
		counter.nextPhase(len(batch))
		outcome.Phases++

		e.logger.Info("running research phase",
			"phase", outcome.Phases,
			"queries", len(batch),
			"goal", goal)

		results := e.runBatch(ctx, batch, run, counter)
		outcome.Results = append(outcome.Results, results...)

		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		if analyzer == nil {
			outcome.Sufficient = true
			break
		}

		if outcome.Phases >= e.maxPhases {
			e.logger.Info("research phase cap reached", "phases", outcome.Phases)
			break
		}

		analysis, err := analyzer.Analyze(ctx, goal, outcome.Results)
		if err != nil {
			return outcome, fmt.Errorf("gap analysis failed: %w", err)
		}

		if analysis.Sufficient || len(analysis.FollowUps) == 0 {
			outcome.Sufficient = true
			break
		}

		batch = analysis.FollowUps
		if len(batch) > e.followUpLimit {
			batch = batch[:e.followUpLimit]
		}
	}

	for _, r := range outcome.Results {
		if r.Err != nil {
			outcome.Failed++
		}
	}

	return outcome, nil
}

// runBatch executes one batch with a channel semaphore bounding concurrency.
// Each result is collected independently; a cancelled context abandons
// queries that have not yet acquired a slot.
func (e *Executor) runBatch(ctx context.Context, batch []Query, run QueryFunc, counter *progressCounter) []Result {
	resultsChan := make(chan Result, len(batch))
	sem := make(chan struct{}, e.maxConcurrent)

	var wg sync.WaitGroup
	for _, q := range batch {
		wg.Add(1)
		go func(q Query) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			result, err := run(ctx, q)
			if err != nil {
				e.logger.Warn("research sub-query failed",
					"query", q.Text,
					"error", err)
				result = Result{Query: q, Err: err}
			}
			result.Query = q

			counter.record(result.Err != nil)
			resultsChan <- result
		}(q)
	}

	wg.Wait()
	close(resultsChan)

	results := make([]Result, 0, len(batch))
	for r := range resultsChan {
		results = append(results, r)
	}
	return results
}
