package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/research"
)

// ScriptedGenerator is a deterministic Generator used by the demo command
// and by tests. It produces plausible-looking artifacts derived from the
// process keywords without calling any external model.
type ScriptedGenerator struct {
	// FailTimes makes the first N calls of any method fail transiently,
	// for exercising retry paths
	FailTimes int

	calls int
}

// fail consumes one scripted failure if any remain
func (g *ScriptedGenerator) fail() error {
	if g.calls < g.FailTimes {
		g.calls++
		return fmt.Errorf("scripted transient failure %d", g.calls)
	}
	return nil
}

// ExpandKeywords implements Generator
func (g *ScriptedGenerator) ExpandKeywords(ctx context.Context, keywords []string) ([]string, error) {
	if err := g.fail(); err != nil {
		return nil, err
	}
	expanded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		expanded = append(expanded, k+" best practices")
	}
	return expanded, nil
}

// PersonaOptions implements Generator
func (g *ScriptedGenerator) PersonaOptions(ctx context.Context, c *contracts.ProcessContext) ([]contracts.Persona, error) {
	if err := g.fail(); err != nil {
		return nil, err
	}
	return []contracts.Persona{
		{ID: "practitioner", Name: "The Practitioner", Voice: "hands-on, example driven"},
		{ID: "educator", Name: "The Educator", Voice: "patient, first principles"},
		{ID: "analyst", Name: "The Analyst", Voice: "data backed, comparative"},
	}, nil
}

// ThemeOptions implements Generator
func (g *ScriptedGenerator) ThemeOptions(ctx context.Context, c *contracts.ProcessContext) ([]contracts.Theme, error) {
	if err := g.fail(); err != nil {
		return nil, err
	}
	primary := "the topic"
	if len(c.Keywords) > 0 {
		primary = c.Keywords[0]
	}
	return []contracts.Theme{
		{ID: "guide", Title: "A field guide to " + primary, Angle: "practical walkthrough"},
		{ID: "pitfalls", Title: "Common pitfalls in " + primary, Angle: "lessons learned"},
	}, nil
}

// ResearchQueries implements Generator
func (g *ScriptedGenerator) ResearchQueries(ctx context.Context, c *contracts.ProcessContext) ([]research.Query, error) {
	if err := g.fail(); err != nil {
		return nil, err
	}
	queries := make([]research.Query, 0, len(c.Keywords))
	for i, k := range c.Keywords {
		queries = append(queries, research.Query{ID: fmt.Sprintf("q%d", i), Text: k})
	}
	return queries, nil
}

// AnalyzeGaps implements Generator; the scripted analysis is always satisfied
func (g *ScriptedGenerator) AnalyzeGaps(ctx context.Context, goal string, results []research.Result) (research.Analysis, error) {
	return research.Analysis{Sufficient: true}, nil
}

// Outline implements Generator
func (g *ScriptedGenerator) Outline(ctx context.Context, c *contracts.ProcessContext) (*contracts.Outline, error) {
	if err := g.fail(); err != nil {
		return nil, err
	}
	title := "Untitled"
	if c.Theme != nil {
		title = c.Theme.Title
	}
	return &contracts.Outline{
		Title: title,
		Sections: []contracts.OutlineSection{
			{Heading: "Introduction", Notes: "why this matters"},
			{Heading: "Core concepts", Notes: "from research findings"},
			{Heading: "Conclusion", Notes: "takeaways"},
		},
	}, nil
}

// DraftSection implements Generator
func (g *ScriptedGenerator) DraftSection(ctx context.Context, c *contracts.ProcessContext, section contracts.OutlineSection) (contracts.Section, error) {
	if err := g.fail(); err != nil {
		return contracts.Section{}, err
	}
	return contracts.Section{
		Heading: section.Heading,
		Body:    fmt.Sprintf("Draft of %q covering %s.", section.Heading, section.Notes),
	}, nil
}

// FinalDraft implements Generator
func (g *ScriptedGenerator) FinalDraft(ctx context.Context, c *contracts.ProcessContext) (string, error) {
	if err := g.fail(); err != nil {
		return "", err
	}
	var b strings.Builder
	if c.Outline != nil {
		b.WriteString("# " + c.Outline.Title + "\n")
	}
	for _, s := range c.Sections {
		b.WriteString("\n## " + s.Heading + "\n" + s.Body + "\n")
	}
	if feedback, ok := c.Extra["review_feedback"].(string); ok && feedback != "" {
		b.WriteString("\n(revised per feedback: " + feedback + ")\n")
	}
	return b.String(), nil
}

// StaticSearcher is a Searcher returning canned findings, used by the demo
// command and by tests
type StaticSearcher struct{}

// Search implements Searcher
func (s StaticSearcher) Search(ctx context.Context, q research.Query) (research.Result, error) {
	return research.Result{
		Query:   q,
		Summary: fmt.Sprintf("Summary of findings for %q.", q.Text),
		Sources: []string{"https://example.com/" + strings.ReplaceAll(q.Text, " ", "-")},
	}, nil
}
