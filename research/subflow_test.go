package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queries(n int) []Query {
	qs := make([]Query, n)
	for i := range qs {
		qs[i] = Query{ID: fmt.Sprintf("q%d", i), Text: fmt.Sprintf("query %d", i)}
	}
	return qs
}

func TestRunBoundsConcurrency(t *testing.T) {
	const k = 3

	var inflight, peak int64
	run := func(ctx context.Context, q Query) (Result, error) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return Result{Summary: "ok"}, nil
	}

	e := NewExecutor(WithMaxConcurrent(k))
	outcome, err := e.Run(context.Background(), "goal", queries(12), run, nil)

	require.NoError(t, err)
	assert.Len(t, outcome.Results, 12)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(k))
	assert.Positive(t, atomic.LoadInt64(&peak))
}

func TestRunCollectsFailuresIndependently(t *testing.T) {
	run := func(ctx context.Context, q Query) (Result, error) {
		if q.ID == "q1" || q.ID == "q3" {
			return Result{}, errors.New("search unavailable")
		}
		return Result{Summary: "finding"}, nil
	}

	e := NewExecutor(WithMaxConcurrent(2))
	outcome, err := e.Run(context.Background(), "goal", queries(5), run, nil)

	require.NoError(t, err)
	assert.Len(t, outcome.Results, 5)
	assert.Equal(t, 2, outcome.Failed)
	assert.True(t, outcome.Sufficient)
}

func TestRunGapAnalysisLoop(t *testing.T) {
	run := func(ctx context.Context, q Query) (Result, error) {
		return Result{Summary: "finding"}, nil
	}

	t.Run("stops when analysis reports sufficiency", func(t *testing.T) {
		calls := 0
		analyzer := AnalyzerFunc(func(ctx context.Context, goal string, results []Result) (Analysis, error) {
			calls++
			if calls == 1 {
				return Analysis{FollowUps: queries(2)}, nil
			}
			return Analysis{Sufficient: true}, nil
		})

		e := NewExecutor(WithMaxConcurrent(2), WithMaxPhases(5))
		outcome, err := e.Run(context.Background(), "goal", queries(3), run, analyzer)

		require.NoError(t, err)
		assert.Equal(t, 2, outcome.Phases)
		assert.Len(t, outcome.Results, 5)
		assert.True(t, outcome.Sufficient)
	})

	t.Run("hard phase cap prevents unbounded iteration", func(t *testing.T) {
		analyzer := AnalyzerFunc(func(ctx context.Context, goal string, results []Result) (Analysis, error) {
			return Analysis{FollowUps: queries(1)}, nil
		})

		e := NewExecutor(WithMaxConcurrent(2), WithMaxPhases(3))
		outcome, err := e.Run(context.Background(), "goal", queries(2), run, analyzer)

		require.NoError(t, err)
		assert.Equal(t, 3, outcome.Phases)
		assert.False(t, outcome.Sufficient)
	})

	t.Run("follow-up batch is bounded", func(t *testing.T) {
		analyzer := AnalyzerFunc(func(ctx context.Context, goal string, results []Result) (Analysis, error) {
			if len(results) > 2 {
				return Analysis{Sufficient: true}, nil
			}
			return Analysis{FollowUps: queries(10)}, nil
		})

		e := NewExecutor(WithMaxConcurrent(2), WithFollowUpLimit(2), WithMaxPhases(5))
		outcome, err := e.Run(context.Background(), "goal", queries(1), run, analyzer)

		require.NoError(t, err)
		assert.Len(t, outcome.Results, 3) // 1 initial + 2 bounded follow-ups
	})
}

func TestRunProgressReporting(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Progress

	e := NewExecutor(
		WithMaxConcurrent(4),
		WithProgressFunc(func(p Progress) {
			mu.Lock()
			snapshots = append(snapshots, p)
			mu.Unlock()
		}),
	)

	run := func(ctx context.Context, q Query) (Result, error) {
		return Result{Summary: "ok"}, nil
	}

	_, err := e.Run(context.Background(), "goal", queries(8), run, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 8)

	// No lost updates: the final snapshot accounts for every sub-query.
	final := snapshots[len(snapshots)-1]
	assert.Equal(t, 8, final.Completed)
	assert.Equal(t, 8, final.Total)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	run := func(ctx context.Context, q Query) (Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	done := make(chan struct{})
	var outcome *Outcome
	var err error
	go func() {
		defer close(done)
		e := NewExecutor(WithMaxConcurrent(2))
		outcome, err = e.Run(ctx, "goal", queries(6), run, nil)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, outcome)
	// In-progress sub-queries were abandoned, not completed.
	assert.Less(t, len(outcome.Results)-outcome.Failed, 6)
}

func TestRunValidation(t *testing.T) {
	e := NewExecutor()

	_, err := e.Run(context.Background(), "goal", nil, func(ctx context.Context, q Query) (Result, error) {
		return Result{}, nil
	}, nil)
	assert.Error(t, err)

	_, err = e.Run(context.Background(), "goal", queries(1), nil, nil)
	assert.Error(t, err)
}
