package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/research"
)

// Generator is the external content-generation collaborator. The calls it
// makes, the models it uses, and the quality of its output are outside this
// module; only the shapes matter here.
type Generator interface {
	ExpandKeywords(ctx context.Context, keywords []string) ([]string, error)
	PersonaOptions(ctx context.Context, c *contracts.ProcessContext) ([]contracts.Persona, error)
	ThemeOptions(ctx context.Context, c *contracts.ProcessContext) ([]contracts.Theme, error)
	ResearchQueries(ctx context.Context, c *contracts.ProcessContext) ([]research.Query, error)
	AnalyzeGaps(ctx context.Context, goal string, results []research.Result) (research.Analysis, error)
	Outline(ctx context.Context, c *contracts.ProcessContext) (*contracts.Outline, error)
	DraftSection(ctx context.Context, c *contracts.ProcessContext, section contracts.OutlineSection) (contracts.Section, error)
	FinalDraft(ctx context.Context, c *contracts.ProcessContext) (string, error)
}

// Searcher executes one research sub-query against an external search or
// scrape integration
type Searcher interface {
	Search(ctx context.Context, q research.Query) (research.Result, error)
}

// EventAppender publishes events onto the per-process event log
type EventAppender interface {
	Append(ctx context.Context, processID string, eventType string, payload any) (uint64, error)
}

// HandlerDeps carries the collaborators the content handlers need
type HandlerDeps struct {
	Gen      Generator
	Search   Searcher
	Events   EventAppender
	Research *research.Executor
	Logger   *slog.Logger

	// CallTimeout bounds each external generation call; an expired wait is
	// reported as a transient failure, never a crash
	CallTimeout time.Duration
}

// ContentFlowSet builds the full content pipeline: all stage specs plus the
// two flow orderings selected by a process's flow mode.
func ContentFlowSet(deps HandlerDeps) (*FlowSet, error) {
	if deps.Gen == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	if deps.Search == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Research == nil {
		deps.Research = research.NewExecutor(research.WithExecutorLogger(deps.Logger))
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = 2 * time.Minute
	}

	h := &contentHandlers{deps: deps}

	flows := NewFlowSet()
	specs := []*StageSpec{
		{Name: StageExpandKeywords, Handler: HandlerFunc{StageExpandKeywords, h.expandKeywords}, DisconnectResilient: true, Autonomous: true},
		{Name: StagePersonaOptions, Handler: HandlerFunc{StagePersonaOptions, h.personaOptions}, Checkpoint: true},
		{Name: StageThemeOptions, Handler: HandlerFunc{StageThemeOptions, h.themeOptions}, Checkpoint: true},
		{Name: StageDeepResearch, Handler: HandlerFunc{StageDeepResearch, h.deepResearch}, DisconnectResilient: true, Autonomous: true},
		{Name: StageOutline, Handler: HandlerFunc{StageOutline, h.outline}, Checkpoint: true},
		{Name: StageDraftSections, Handler: HandlerFunc{StageDraftSections, h.draftSections}, DisconnectResilient: true, Autonomous: true},
		{Name: StageFinalReview, Handler: HandlerFunc{StageFinalReview, h.finalReview}, Checkpoint: true},
		{Name: StageFinalize, Handler: HandlerFunc{StageFinalize, h.finalize}, DisconnectResilient: true, Autonomous: true},
	}
	for _, spec := range specs {
		if err := flows.Register(spec); err != nil {
			return nil, err
		}
	}

	if err := flows.SetOrder(contracts.FlowResearchFirst,
		StageExpandKeywords, StagePersonaOptions, StageThemeOptions,
		StageDeepResearch, StageOutline, StageDraftSections,
		StageFinalReview, StageFinalize,
	); err != nil {
		return nil, err
	}
	if err := flows.SetOrder(contracts.FlowOutlineFirst,
		StageExpandKeywords, StagePersonaOptions, StageThemeOptions,
		StageOutline, StageDeepResearch, StageDraftSections,
		StageFinalReview, StageFinalize,
	); err != nil {
		return nil, err
	}

	return flows, nil
}

type contentHandlers struct {
	deps HandlerDeps
}

// call runs one external generation call under the configured timeout and
// converts an expired wait into a transient failure
func (h *contentHandlers) call(ctx context.Context, stage StageName, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, h.deps.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return contracts.TransientError(string(stage), fmt.Errorf("generation call timed out after %s", h.deps.CallTimeout))
	}
	return err
}

func (h *contentHandlers) expandKeywords(ctx context.Context, proc *contracts.Process) Outcome {
	if len(proc.Context.Keywords) == 0 {
		return Fail(contracts.FatalError(string(StageExpandKeywords), fmt.Errorf("process has no keywords")))
	}

	var expanded []string
	err := h.call(ctx, StageExpandKeywords, func(ctx context.Context) error {
		var err error
		expanded, err = h.deps.Gen.ExpandKeywords(ctx, proc.Context.Keywords)
		return err
	})
	if err != nil {
		return Fail(wrapTransient(StageExpandKeywords, err))
	}

	merged := append(append([]string(nil), proc.Context.Keywords...), expanded...)
	return Advance(&contracts.ProcessContext{Keywords: dedupe(merged)})
}

func (h *contentHandlers) personaOptions(ctx context.Context, proc *contracts.Process) Outcome {
	// Already chosen, e.g. a continue task replaying a satisfied checkpoint.
	if proc.Context.Persona != nil {
		return Advance(nil)
	}

	var options []contracts.Persona
	err := h.call(ctx, StagePersonaOptions, func(ctx context.Context) error {
		var err error
		options, err = h.deps.Gen.PersonaOptions(ctx, &proc.Context)
		return err
	})
	if err != nil {
		return Fail(wrapTransient(StagePersonaOptions, err))
	}
	if len(options) == 0 {
		return Fail(contracts.FatalError(string(StagePersonaOptions), fmt.Errorf("generator produced no persona options")))
	}

	items := make([]contracts.OptionItem, len(options))
	for i, p := range options {
		items[i] = contracts.OptionItem{ID: p.ID, Label: p.Name, Detail: p.Voice}
	}

	return NeedsInput(contracts.RequestSelectOption,
		contracts.SelectOptionRequest{Prompt: "Choose the persona for this draft", Options: items},
		&contracts.ProcessContext{PersonaOptions: options})
}

func (h *contentHandlers) themeOptions(ctx context.Context, proc *contracts.Process) Outcome {
	if proc.Context.Theme != nil {
		return Advance(nil)
	}

	var options []contracts.Theme
	err := h.call(ctx, StageThemeOptions, func(ctx context.Context) error {
		var err error
		options, err = h.deps.Gen.ThemeOptions(ctx, &proc.Context)
		return err
	})
	if err != nil {
		return Fail(wrapTransient(StageThemeOptions, err))
	}
	if len(options) == 0 {
		return Fail(contracts.FatalError(string(StageThemeOptions), fmt.Errorf("generator produced no theme options")))
	}

	items := make([]contracts.OptionItem, len(options))
	for i, th := range options {
		items[i] = contracts.OptionItem{ID: th.ID, Label: th.Title, Detail: th.Angle}
	}

	return NeedsInput(contracts.RequestSelectOption,
		contracts.SelectOptionRequest{Prompt: "Choose the theme for this draft", Options: items},
		&contracts.ProcessContext{ThemeOptions: options})
}

func (h *contentHandlers) deepResearch(ctx context.Context, proc *contracts.Process) Outcome {
	if proc.Context.Research != nil {
		return Advance(nil)
	}

	var queries []research.Query
	err := h.call(ctx, StageDeepResearch, func(ctx context.Context) error {
		var err error
		queries, err = h.deps.Gen.ResearchQueries(ctx, &proc.Context)
		return err
	})
	if err != nil {
		return Fail(wrapTransient(StageDeepResearch, err))
	}
	if len(queries) == 0 {
		return Fail(contracts.FatalError(string(StageDeepResearch), fmt.Errorf("generator produced no research queries")))
	}

	goal := researchGoal(&proc.Context)

	var progress research.ProgressFunc
	if h.deps.Events != nil {
		progress = func(p research.Progress) {
			// Progress publication must never fail the stage.
			if _, err := h.deps.Events.Append(ctx, proc.ID, contracts.EventResearchProgress, contracts.ResearchProgressPayload{
				Stage:     string(StageDeepResearch),
				Phase:     p.Phase,
				Completed: p.Completed,
				Failed:    p.Failed,
				Total:     p.Total,
			}); err != nil {
				h.deps.Logger.Warn("failed to publish research progress",
					"processId", proc.ID,
					"error", err)
			}
		}
	}

	outcome, err := h.deps.Research.RunWithProgress(ctx, goal, queries, h.deps.Search.Search,
		research.AnalyzerFunc(h.deps.Gen.AnalyzeGaps), progress)
	if err != nil {
		return Fail(wrapTransient(StageDeepResearch, err))
	}
	if len(outcome.Results) == outcome.Failed {
		return Fail(contracts.TransientError(string(StageDeepResearch), fmt.Errorf("all %d research sub-queries failed", outcome.Failed)))
	}

	results := &contracts.ResearchResults{
		Phases:  outcome.Phases,
		Queries: len(outcome.Results),
		Failed:  outcome.Failed,
	}
	for _, r := range outcome.Results {
		f := contracts.Finding{Query: r.Query.Text, Summary: r.Summary, Sources: r.Sources}
		if r.Err != nil {
			f.Error = r.Err.Error()
		}
		results.Findings = append(results.Findings, f)
	}

	return Advance(&contracts.ProcessContext{Research: results})
}

func (h *contentHandlers) outline(ctx context.Context, proc *contracts.Process) Outcome {
	if proc.Context.Outline != nil {
		return Advance(nil)
	}

	var outline *contracts.Outline
	err := h.call(ctx, StageOutline, func(ctx context.Context) error {
		var err error
		outline, err = h.deps.Gen.Outline(ctx, &proc.Context)
		return err
	})
	if err != nil {
		return Fail(wrapTransient(StageOutline, err))
	}
	if outline == nil || len(outline.Sections) == 0 {
		return Fail(contracts.FatalError(string(StageOutline), fmt.Errorf("generator produced an empty outline")))
	}

	return NeedsInput(contracts.RequestApproveEdit,
		contracts.ApproveEditRequest{
			Prompt:  "Approve the outline or edit it",
			Content: renderOutline(outline),
		},
		&contracts.ProcessContext{Outline: outline})
}

func (h *contentHandlers) draftSections(ctx context.Context, proc *contracts.Process) Outcome {
	if proc.Context.Outline == nil {
		return Fail(contracts.FatalError(string(StageDraftSections), fmt.Errorf("no outline to draft from")))
	}

	var sections []contracts.Section
	for i, planned := range proc.Context.Outline.Sections {
		// Sections drafted before a crash or retry are kept as-is.
		if i < len(proc.Context.Sections) {
			continue
		}

		var section contracts.Section
		err := h.call(ctx, StageDraftSections, func(ctx context.Context) error {
			var err error
			section, err = h.deps.Gen.DraftSection(ctx, &proc.Context, planned)
			return err
		})
		if err != nil {
			return Fail(wrapTransient(StageDraftSections, err))
		}
		sections = append(sections, section)
	}

	updates := &contracts.ProcessContext{
		Sections: append(append([]contracts.Section(nil), proc.Context.Sections...), sections...),
	}
	return Advance(updates)
}

func (h *contentHandlers) finalReview(ctx context.Context, proc *contracts.Process) Outcome {
	draft := proc.Context.FinalDraft
	if draft == "" {
		err := h.call(ctx, StageFinalReview, func(ctx context.Context) error {
			var err error
			draft, err = h.deps.Gen.FinalDraft(ctx, &proc.Context)
			return err
		})
		if err != nil {
			return Fail(wrapTransient(StageFinalReview, err))
		}
		if draft == "" {
			return Fail(contracts.FatalError(string(StageFinalReview), fmt.Errorf("generator produced an empty final draft")))
		}
	}

	return NeedsInput(contracts.RequestApproveReject,
		contracts.ApproveRejectRequest{Prompt: "Approve the final draft", Content: draft},
		&contracts.ProcessContext{FinalDraft: draft})
}

func (h *contentHandlers) finalize(ctx context.Context, proc *contracts.Process) Outcome {
	if proc.Context.FinalDraft == "" {
		return Fail(contracts.FatalError(string(StageFinalize), fmt.Errorf("no final draft to publish")))
	}
	return Advance(nil)
}

// wrapTransient preserves an existing classification and defaults everything
// else to a transient external failure of the given stage
func wrapTransient(stage StageName, err error) error {
	if _, ok := err.(*contracts.StageError); ok {
		return err
	}
	return contracts.TransientError(string(stage), err)
}

func researchGoal(c *contracts.ProcessContext) string {
	goal := strings.Join(c.Keywords, ", ")
	if c.Theme != nil {
		goal = c.Theme.Title + ": " + goal
	}
	return goal
}

func renderOutline(o *contracts.Outline) string {
	var b strings.Builder
	b.WriteString(o.Title)
	for _, s := range o.Sections {
		b.WriteString("\n- ")
		b.WriteString(s.Heading)
		if s.Notes != "" {
			b.WriteString(": ")
			b.WriteString(s.Notes)
		}
	}
	return b.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
