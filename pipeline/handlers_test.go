package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/research"
)

// failingSearcher fails every sub-query
type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, q research.Query) (research.Result, error) {
	return research.Result{}, fmt.Errorf("search backend down")
}

// recordingAppender captures published events
type recordingAppender struct {
	mu     sync.Mutex
	events []string
	seq    uint64
}

func (a *recordingAppender) Append(ctx context.Context, processID, eventType string, payload any) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	a.seq++
	return a.seq, nil
}

func newTestHandlers(t *testing.T, gen Generator, search Searcher) *contentHandlers {
	t.Helper()
	if gen == nil {
		gen = &ScriptedGenerator{}
	}
	if search == nil {
		search = StaticSearcher{}
	}
	return &contentHandlers{deps: HandlerDeps{
		Gen:         gen,
		Search:      search,
		Research:    research.NewExecutor(),
		Logger:      slog.Default(),
		CallTimeout: time.Second,
	}}
}

func TestExpandKeywords(t *testing.T) {
	t.Run("MergesAndDeduplicates", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go testing", "Go Testing"})

		outcome := h.expandKeywords(context.Background(), proc)
		require.Equal(t, OutcomeAdvance, outcome.Kind)
		require.NotNil(t, outcome.Updates)
		assert.Equal(t, []string{
			"go testing",
			"go testing best practices",
		}, outcome.Updates.Keywords)
	})

	t.Run("FatalWithoutKeywords", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, nil)

		outcome := h.expandKeywords(context.Background(), proc)
		require.Equal(t, OutcomeFail, outcome.Kind)
		assert.Equal(t, contracts.FailureFatal, contracts.ClassifyStageError(outcome.Err))
	})

	t.Run("GeneratorErrorIsTransient", func(t *testing.T) {
		h := newTestHandlers(t, &ScriptedGenerator{FailTimes: 1}, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})

		outcome := h.expandKeywords(context.Background(), proc)
		require.Equal(t, OutcomeFail, outcome.Kind)
		assert.Equal(t, contracts.FailureTransient, contracts.ClassifyStageError(outcome.Err))
	})
}

func TestPersonaOptions(t *testing.T) {
	t.Run("RequestsSelection", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})

		outcome := h.personaOptions(context.Background(), proc)
		require.Equal(t, OutcomeNeedsInput, outcome.Kind)
		assert.Equal(t, contracts.RequestSelectOption, outcome.RequestKind)
		require.NotNil(t, outcome.Updates)
		assert.Len(t, outcome.Updates.PersonaOptions, 3)

		var req contracts.SelectOptionRequest
		require.NoError(t, json.Unmarshal(outcome.RequestData, &req))
		assert.Len(t, req.Options, 3)
	})

	t.Run("AdvancesWhenAlreadyChosen", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.Persona = &contracts.Persona{ID: "educator"}

		outcome := h.personaOptions(context.Background(), proc)
		assert.Equal(t, OutcomeAdvance, outcome.Kind)
	})
}

func TestDeepResearch(t *testing.T) {
	t.Run("AggregatesFindings", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go testing", "table tests"})

		outcome := h.deepResearch(context.Background(), proc)
		require.Equal(t, OutcomeAdvance, outcome.Kind)
		require.NotNil(t, outcome.Updates)
		require.NotNil(t, outcome.Updates.Research)
		assert.Len(t, outcome.Updates.Research.Findings, 2)
		assert.Zero(t, outcome.Updates.Research.Failed)
	})

	t.Run("AllSubQueriesFailedIsTransient", func(t *testing.T) {
		h := newTestHandlers(t, nil, failingSearcher{})
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})

		outcome := h.deepResearch(context.Background(), proc)
		require.Equal(t, OutcomeFail, outcome.Kind)
		assert.Equal(t, contracts.FailureTransient, contracts.ClassifyStageError(outcome.Err))
	})

	t.Run("PublishesProgressEvents", func(t *testing.T) {
		appender := &recordingAppender{}
		gen := &ScriptedGenerator{}
		h := newTestHandlers(t, gen, nil)
		h.deps.Events = appender
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go", "testing"})

		outcome := h.deepResearch(context.Background(), proc)
		require.Equal(t, OutcomeAdvance, outcome.Kind)

		appender.mu.Lock()
		defer appender.mu.Unlock()
		assert.Len(t, appender.events, 2)
		for _, typ := range appender.events {
			assert.Equal(t, contracts.EventResearchProgress, typ)
		}
	})

	t.Run("SkipsWhenAlreadyResearched", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.Research = &contracts.ResearchResults{Queries: 1}

		outcome := h.deepResearch(context.Background(), proc)
		assert.Equal(t, OutcomeAdvance, outcome.Kind)
		assert.Nil(t, outcome.Updates)
	})
}

func TestDraftSections(t *testing.T) {
	outline := &contracts.Outline{
		Title: "T",
		Sections: []contracts.OutlineSection{
			{Heading: "One", Notes: "first"},
			{Heading: "Two", Notes: "second"},
			{Heading: "Three", Notes: "third"},
		},
	}

	t.Run("DraftsEverySection", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.Outline = outline

		outcome := h.draftSections(context.Background(), proc)
		require.Equal(t, OutcomeAdvance, outcome.Kind)
		require.Len(t, outcome.Updates.Sections, 3)
		assert.Equal(t, "One", outcome.Updates.Sections[0].Heading)
	})

	t.Run("KeepsSectionsDraftedBeforeRetry", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.Outline = outline
		proc.Context.Sections = []contracts.Section{{Heading: "One", Body: "already written"}}

		outcome := h.draftSections(context.Background(), proc)
		require.Equal(t, OutcomeAdvance, outcome.Kind)
		require.Len(t, outcome.Updates.Sections, 3)
		assert.Equal(t, "already written", outcome.Updates.Sections[0].Body)
		assert.Equal(t, "Two", outcome.Updates.Sections[1].Heading)
	})

	t.Run("FatalWithoutOutline", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})

		outcome := h.draftSections(context.Background(), proc)
		require.Equal(t, OutcomeFail, outcome.Kind)
		assert.Equal(t, contracts.FailureFatal, contracts.ClassifyStageError(outcome.Err))
	})
}

func TestFinalReview(t *testing.T) {
	t.Run("GeneratesDraftAndRequestsApproval", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.Outline = &contracts.Outline{Title: "T", Sections: []contracts.OutlineSection{{Heading: "One"}}}
		proc.Context.Sections = []contracts.Section{{Heading: "One", Body: "body"}}

		outcome := h.finalReview(context.Background(), proc)
		require.Equal(t, OutcomeNeedsInput, outcome.Kind)
		assert.Equal(t, contracts.RequestApproveReject, outcome.RequestKind)
		assert.NotEmpty(t, outcome.Updates.FinalDraft)
	})

	t.Run("ReusesExistingDraft", func(t *testing.T) {
		gen := &ScriptedGenerator{FailTimes: 10}
		h := newTestHandlers(t, gen, nil)
		proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
		proc.Context.FinalDraft = "kept"

		outcome := h.finalReview(context.Background(), proc)
		require.Equal(t, OutcomeNeedsInput, outcome.Kind)
		assert.Equal(t, "kept", outcome.Updates.FinalDraft)
	})
}

func TestFinalize(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
	outcome := h.finalize(context.Background(), proc)
	require.Equal(t, OutcomeFail, outcome.Kind)

	proc.Context.FinalDraft = "done"
	outcome = h.finalize(context.Background(), proc)
	assert.Equal(t, OutcomeAdvance, outcome.Kind)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	h.deps.CallTimeout = 10 * time.Millisecond

	err := h.call(context.Background(), StageOutline, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, contracts.FailureTransient, contracts.ClassifyStageError(err))
	assert.Contains(t, err.Error(), "timed out")
}
