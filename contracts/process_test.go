package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProcess(t *testing.T) {
	t.Run("creates pending process with keywords", func(t *testing.T) {
		p := NewProcess("owner-1", FlowResearchFirst, []string{"go", "concurrency"})

		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "owner-1", p.OwnerID)
		assert.Equal(t, ProcessPending, p.Status)
		assert.Equal(t, FlowResearchFirst, p.FlowMode)
		assert.Equal(t, []string{"go", "concurrency"}, p.Context.Keywords)
		assert.False(t, p.WaitingForInput)
	})

	t.Run("generated IDs are unique", func(t *testing.T) {
		a := NewProcess("o", FlowOutlineFirst, nil)
		b := NewProcess("o", FlowOutlineFirst, nil)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestProcessStatusIsTerminal(t *testing.T) {
	terminal := []ProcessStatus{ProcessCompleted, ProcessError, ProcessCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	active := []ProcessStatus{ProcessPending, ProcessInProgress, ProcessUserInputRequired, ProcessPaused}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestProcessContextMerge(t *testing.T) {
	t.Run("fills empty fields", func(t *testing.T) {
		c := ProcessContext{}
		c.Merge(&ProcessContext{
			Keywords: []string{"a", "b"},
			Persona:  &Persona{ID: "p1", Name: "Analyst"},
		})

		assert.Equal(t, []string{"a", "b"}, c.Keywords)
		assert.Equal(t, "p1", c.Persona.ID)
	})

	t.Run("never overwrites earlier stage data", func(t *testing.T) {
		c := ProcessContext{
			Persona:    &Persona{ID: "p1"},
			FinalDraft: "original",
		}
		c.Merge(&ProcessContext{
			Persona:    &Persona{ID: "p2"},
			FinalDraft: "replacement",
		})

		assert.Equal(t, "p1", c.Persona.ID)
		assert.Equal(t, "original", c.FinalDraft)
	})

	t.Run("appends new slice entries only", func(t *testing.T) {
		c := ProcessContext{Keywords: []string{"a"}}
		c.Merge(&ProcessContext{Keywords: []string{"a", "b", "c"}})

		assert.Equal(t, []string{"a", "b", "c"}, c.Keywords)
	})

	t.Run("merges extra keys individually", func(t *testing.T) {
		c := ProcessContext{Extra: map[string]any{"x": 1}}
		c.Merge(&ProcessContext{Extra: map[string]any{"y": 2}})

		assert.Equal(t, 1, c.Extra["x"])
		assert.Equal(t, 2, c.Extra["y"])
	})

	t.Run("nil updates is a no-op", func(t *testing.T) {
		c := ProcessContext{Keywords: []string{"a"}}
		c.Merge(nil)
		assert.Equal(t, []string{"a"}, c.Keywords)
	})
}

func TestStageError(t *testing.T) {
	t.Run("transient errors are retryable", func(t *testing.T) {
		err := TransientError("deep-research", errors.New("search timeout"))
		assert.True(t, err.IsRetryable())
		assert.Equal(t, FailureTransient, ClassifyStageError(err))
		assert.Contains(t, err.Error(), "deep-research")
	})

	t.Run("fatal errors are not retryable", func(t *testing.T) {
		err := FatalError("outline", errors.New("empty outline"))
		assert.False(t, err.IsRetryable())
		assert.Equal(t, FailureFatal, ClassifyStageError(err))
	})

	t.Run("unknown errors classify as transient", func(t *testing.T) {
		assert.Equal(t, FailureTransient, ClassifyStageError(errors.New("boom")))
	})

	t.Run("unwraps to the cause", func(t *testing.T) {
		cause := errors.New("cause")
		err := TransientError("stage", cause)
		assert.True(t, errors.Is(err, cause))
	})
}
