package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/draftflow/draftflow-go/contracts"
)

// StageName identifies one stage of the content-generation pipeline
type StageName string

const (
	StageExpandKeywords StageName = "expand-keywords"
	StagePersonaOptions StageName = "persona-options"
	StageThemeOptions   StageName = "theme-options"
	StageDeepResearch   StageName = "deep-research"
	StageOutline        StageName = "outline"
	StageDraftSections  StageName = "draft-sections"
	StageFinalReview    StageName = "final-review"
	StageFinalize       StageName = "finalize"
)

// OutcomeKind tags the result of a stage handler
type OutcomeKind int

const (
	// OutcomeAdvance moves the process to the next stage in its flow
	OutcomeAdvance OutcomeKind = iota
	// OutcomeNeedsInput suspends the process until a checkpoint response
	OutcomeNeedsInput
	// OutcomeFail reports a classified stage failure
	OutcomeFail
)

// Outcome is the tagged union a stage handler returns. Handlers never block
// on external input themselves; NeedsInput delegates the wait to the
// checkpoint gate.
type Outcome struct {
	Kind OutcomeKind

	// Next overrides the flow table's next stage when non-empty
	Next StageName

	// Updates are merged into the process context (append/merge only)
	Updates *contracts.ProcessContext

	// RequestKind and RequestData describe the checkpoint for NeedsInput
	RequestKind contracts.RequestKind
	RequestData json.RawMessage

	// Err carries the failure for OutcomeFail
	Err error
}

// Advance completes the stage and merges updates into the context
func Advance(updates *contracts.ProcessContext) Outcome {
	return Outcome{Kind: OutcomeAdvance, Updates: updates}
}

// AdvanceTo completes the stage and directs the flow to a specific stage,
// overriding the flow table's default order
func AdvanceTo(next StageName, updates *contracts.ProcessContext) Outcome {
	return Outcome{Kind: OutcomeAdvance, Next: next, Updates: updates}
}

// NeedsInput suspends the process at a checkpoint. The request data is
// marshalled once here so that any later replay reproduces identical bytes.
func NeedsInput(kind contracts.RequestKind, data any, updates *contracts.ProcessContext) Outcome {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(contracts.FatalError("", fmt.Errorf("failed to marshal checkpoint request: %w", err)))
	}
	return Outcome{
		Kind:        OutcomeNeedsInput,
		RequestKind: kind,
		RequestData: raw,
		Updates:     updates,
	}
}

// Fail reports a classified stage failure
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFail, Err: err}
}

// Handler executes one stage against the process and returns an outcome
type Handler interface {
	Execute(ctx context.Context, proc *contracts.Process) Outcome
	StageName() StageName
}

// HandlerFunc adapts a function to Handler with an explicit stage name
type HandlerFunc struct {
	Name StageName
	Fn   func(ctx context.Context, proc *contracts.Process) Outcome
}

// Execute implements Handler
func (h HandlerFunc) Execute(ctx context.Context, proc *contracts.Process) Outcome {
	return h.Fn(ctx, proc)
}

// StageName implements Handler
func (h HandlerFunc) StageName() StageName {
	return h.Name
}

// StageSpec binds a stage to its handler and declarative metadata. The
// metadata drives checkpoint handling, disconnect policy, and unattended
// execution without inline conditionals in handler bodies.
type StageSpec struct {
	Name StageName

	Handler Handler

	// Checkpoint marks a stage that halts progress pending external input
	Checkpoint bool

	// DisconnectResilient stages keep running when no observer is attached
	DisconnectResilient bool

	// Autonomous stages may execute without any prior external input
	Autonomous bool
}
