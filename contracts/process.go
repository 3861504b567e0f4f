package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessStatus represents the lifecycle status of a generation process
type ProcessStatus string

const (
	ProcessPending           ProcessStatus = "pending"
	ProcessInProgress        ProcessStatus = "in_progress"
	ProcessUserInputRequired ProcessStatus = "user_input_required"
	ProcessPaused            ProcessStatus = "paused"
	ProcessCompleted         ProcessStatus = "completed"
	ProcessError             ProcessStatus = "error"
	ProcessCancelled         ProcessStatus = "cancelled"
)

// IsTerminal reports whether no further work may be scheduled for this status
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessCompleted, ProcessError, ProcessCancelled:
		return true
	}
	return false
}

// FlowMode selects the stage ordering for a process. It is chosen once at
// process creation and never changes afterwards.
type FlowMode string

const (
	// FlowResearchFirst runs deep research before the outline is produced
	FlowResearchFirst FlowMode = "research_first"
	// FlowOutlineFirst produces the outline before deep research
	FlowOutlineFirst FlowMode = "outline_first"
)

// RequestKind tags a checkpoint request and the response it expects
type RequestKind string

const (
	RequestSelectOption  RequestKind = "select-option"
	RequestApproveReject RequestKind = "approve-or-reject"
	RequestApproveEdit   RequestKind = "approve-or-edit"
)

// Persona is a candidate or chosen authorial voice for the draft
type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Voice       string `json:"voice"`
	Description string `json:"description,omitempty"`
}

// Theme is a candidate or chosen editorial angle for the draft
type Theme struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Angle string `json:"angle,omitempty"`
}

// Finding is the aggregated result of one research sub-query
type Finding struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary,omitempty"`
	Sources []string `json:"sources,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ResearchResults aggregates all findings gathered by the research subflow
type ResearchResults struct {
	Findings []Finding `json:"findings"`
	Phases   int       `json:"phases"`
	Queries  int       `json:"queries"`
	Failed   int       `json:"failed"`
}

// OutlineSection is a single planned section of the draft
type OutlineSection struct {
	Heading string `json:"heading"`
	Notes   string `json:"notes,omitempty"`
}

// Outline is the planned structure of the final draft
type Outline struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// Section is a drafted section of content
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// ProcessContext holds the artifacts accumulated by completed stages.
// Stage handlers contribute to it through Merge, which only adds: fields
// written by earlier stages are never overwritten, slices only grow.
type ProcessContext struct {
	Keywords       []string         `json:"keywords,omitempty"`
	PersonaOptions []Persona        `json:"personaOptions,omitempty"`
	Persona        *Persona         `json:"persona,omitempty"`
	ThemeOptions   []Theme          `json:"themeOptions,omitempty"`
	Theme          *Theme           `json:"theme,omitempty"`
	Research       *ResearchResults `json:"research,omitempty"`
	Outline        *Outline         `json:"outline,omitempty"`
	Sections       []Section        `json:"sections,omitempty"`
	FinalDraft     string           `json:"finalDraft,omitempty"`
	Extra          map[string]any   `json:"extra,omitempty"`
}

// Merge applies updates to the context following the append/merge-only rule:
// scalar fields are set only when currently empty, slice fields append the
// entries beyond their current length, and Extra keys are added or replaced
// individually. It never removes data.
func (c *ProcessContext) Merge(updates *ProcessContext) {
	if updates == nil {
		return
	}
	if len(updates.Keywords) > len(c.Keywords) {
		c.Keywords = append(c.Keywords, updates.Keywords[len(c.Keywords):]...)
	}
	if len(updates.PersonaOptions) > len(c.PersonaOptions) {
		c.PersonaOptions = append(c.PersonaOptions, updates.PersonaOptions[len(c.PersonaOptions):]...)
	}
	if c.Persona == nil && updates.Persona != nil {
		p := *updates.Persona
		c.Persona = &p
	}
	if len(updates.ThemeOptions) > len(c.ThemeOptions) {
		c.ThemeOptions = append(c.ThemeOptions, updates.ThemeOptions[len(c.ThemeOptions):]...)
	}
	if c.Theme == nil && updates.Theme != nil {
		t := *updates.Theme
		c.Theme = &t
	}
	if c.Research == nil && updates.Research != nil {
		r := *updates.Research
		c.Research = &r
	}
	if c.Outline == nil && updates.Outline != nil {
		o := *updates.Outline
		c.Outline = &o
	}
	if len(updates.Sections) > len(c.Sections) {
		c.Sections = append(c.Sections, updates.Sections[len(c.Sections):]...)
	}
	if c.FinalDraft == "" && updates.FinalDraft != "" {
		c.FinalDraft = updates.FinalDraft
	}
	if updates.Extra != nil {
		if c.Extra == nil {
			c.Extra = make(map[string]any, len(updates.Extra))
		}
		for k, v := range updates.Extra {
			c.Extra[k] = v
		}
	}
}

// Process is one end-to-end run of the generation pipeline. It is owned
// exclusively by the orchestrator and mutated only through the background
// task runner's single-writer-per-process discipline.
type Process struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Status          ProcessStatus   `json:"status"`
	CurrentStage    string          `json:"currentStage"`
	FlowMode        FlowMode        `json:"flowMode"`
	Context         ProcessContext  `json:"context"`
	WaitingForInput bool            `json:"waitingForInput"`
	InputKind       RequestKind     `json:"inputKind,omitempty"`
	PendingRequest  json.RawMessage `json:"pendingRequest,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewProcess creates a pending process with a generated ID
func NewProcess(ownerID string, mode FlowMode, keywords []string) *Process {
	now := time.Now().UTC()
	return &Process{
		ID:       uuid.New().String(),
		OwnerID:  ownerID,
		Status:   ProcessPending,
		FlowMode: mode,
		Context: ProcessContext{
			Keywords: keywords,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
