package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftflow/draftflow-go/contracts"
)

func noopHandler(name StageName) Handler {
	return HandlerFunc{Name: name, Fn: func(ctx context.Context, proc *contracts.Process) Outcome {
		return Advance(nil)
	}}
}

func TestFlowSetRegister(t *testing.T) {
	t.Run("RejectsNilSpec", func(t *testing.T) {
		flows := NewFlowSet()
		err := flows.Register(nil)
		assert.Error(t, err)
	})

	t.Run("RejectsMissingHandler", func(t *testing.T) {
		flows := NewFlowSet()
		err := flows.Register(&StageSpec{Name: "orphan"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no handler")
	})

	t.Run("RejectsDuplicate", func(t *testing.T) {
		flows := NewFlowSet()
		spec := &StageSpec{Name: "dup", Handler: noopHandler("dup")}
		require.NoError(t, flows.Register(spec))
		err := flows.Register(spec)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})
}

func TestFlowSetOrder(t *testing.T) {
	flows := NewFlowSet()
	for _, name := range []StageName{"a", "b", "c"} {
		require.NoError(t, flows.Register(&StageSpec{Name: name, Handler: noopHandler(name)}))
	}
	require.NoError(t, flows.SetOrder(contracts.FlowResearchFirst, "a", "b", "c"))

	t.Run("RejectsUnregisteredStage", func(t *testing.T) {
		err := flows.SetOrder(contracts.FlowOutlineFirst, "a", "missing")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unregistered")
	})

	t.Run("First", func(t *testing.T) {
		first, err := flows.First(contracts.FlowResearchFirst)
		require.NoError(t, err)
		assert.Equal(t, StageName("a"), first)
	})

	t.Run("NextWalksOrder", func(t *testing.T) {
		next, done, err := flows.Next(contracts.FlowResearchFirst, "a")
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, StageName("b"), next)
	})

	t.Run("NextReportsCompletion", func(t *testing.T) {
		next, done, err := flows.Next(contracts.FlowResearchFirst, "c")
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, next)
	})

	t.Run("NextRejectsUnknownMode", func(t *testing.T) {
		_, _, err := flows.Next("sideways", "a")
		assert.Error(t, err)
	})

	t.Run("NextRejectsStageOutsideFlow", func(t *testing.T) {
		require.NoError(t, flows.Register(&StageSpec{Name: "d", Handler: noopHandler("d")}))
		_, _, err := flows.Next(contracts.FlowResearchFirst, "d")
		assert.Error(t, err)
	})
}

func TestContentFlowSet(t *testing.T) {
	flows, err := ContentFlowSet(HandlerDeps{Gen: &ScriptedGenerator{}, Search: StaticSearcher{}})
	require.NoError(t, err)

	t.Run("BothModesStartWithExpandKeywords", func(t *testing.T) {
		for _, mode := range []contracts.FlowMode{contracts.FlowResearchFirst, contracts.FlowOutlineFirst} {
			first, err := flows.First(mode)
			require.NoError(t, err)
			assert.Equal(t, StageExpandKeywords, first)
		}
	})

	t.Run("ModesDifferInResearchOutlineOrder", func(t *testing.T) {
		next, _, err := flows.Next(contracts.FlowResearchFirst, StageThemeOptions)
		require.NoError(t, err)
		assert.Equal(t, StageDeepResearch, next)

		next, _, err = flows.Next(contracts.FlowOutlineFirst, StageThemeOptions)
		require.NoError(t, err)
		assert.Equal(t, StageOutline, next)
	})

	t.Run("FinalizeEndsBothModes", func(t *testing.T) {
		for _, mode := range []contracts.FlowMode{contracts.FlowResearchFirst, contracts.FlowOutlineFirst} {
			_, done, err := flows.Next(mode, StageFinalize)
			require.NoError(t, err)
			assert.True(t, done)
		}
	})

	t.Run("CheckpointStagesAreMarked", func(t *testing.T) {
		for _, name := range []StageName{StagePersonaOptions, StageThemeOptions, StageOutline, StageFinalReview} {
			spec, err := flows.Spec(name)
			require.NoError(t, err)
			assert.True(t, spec.Checkpoint, "stage %s", name)
		}
	})

	t.Run("LongRunningStagesAreDisconnectResilient", func(t *testing.T) {
		for _, name := range []StageName{StageExpandKeywords, StageDeepResearch, StageDraftSections, StageFinalize} {
			assert.True(t, flows.Resilient(name), "stage %s", name)
		}
		assert.False(t, flows.Resilient(StageFinalReview))
		assert.False(t, flows.Resilient("unknown"))
	})

	t.Run("RequiresGeneratorAndSearcher", func(t *testing.T) {
		_, err := ContentFlowSet(HandlerDeps{Search: StaticSearcher{}})
		assert.Error(t, err)
		_, err = ContentFlowSet(HandlerDeps{Gen: &ScriptedGenerator{}})
		assert.Error(t, err)
	})
}
