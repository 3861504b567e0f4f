package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/draftflow/draftflow-go/contracts"
)

// ApplyCheckpointResponse validates a checkpoint response payload against
// the process's pending request and applies it to proc.Context in place.
// It returns an override for the next stage, or empty to follow the flow
// table. Validation failures wrap contracts.ErrInvalidPayload and leave the
// context untouched.
func ApplyCheckpointResponse(proc *contracts.Process, kind contracts.RequestKind, payload json.RawMessage) (StageName, error) {
	stage := StageName(proc.CurrentStage)

	switch {
	case stage == StagePersonaOptions && kind == contracts.RequestSelectOption:
		persona, err := selectFrom(payload, proc.Context.PersonaOptions, func(p contracts.Persona) string { return p.ID })
		if err != nil {
			return "", err
		}
		proc.Context.Persona = persona
		return "", nil

	case stage == StageThemeOptions && kind == contracts.RequestSelectOption:
		theme, err := selectFrom(payload, proc.Context.ThemeOptions, func(t contracts.Theme) string { return t.ID })
		if err != nil {
			return "", err
		}
		proc.Context.Theme = theme
		return "", nil

	case stage == StageOutline && kind == contracts.RequestApproveEdit:
		var resp contracts.ApproveEditResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", contracts.ErrInvalidPayload, err)
		}
		if !resp.Approved && resp.Edited == "" {
			return "", fmt.Errorf("%w: approve-or-edit response must approve or supply an edit", contracts.ErrInvalidPayload)
		}
		if resp.Edited != "" {
			edited, err := parseOutline(resp.Edited)
			if err != nil {
				return "", fmt.Errorf("%w: %v", contracts.ErrInvalidPayload, err)
			}
			proc.Context.Outline = edited
		}
		return "", nil

	case stage == StageFinalReview && kind == contracts.RequestApproveReject:
		var resp contracts.ApproveRejectResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", contracts.ErrInvalidPayload, err)
		}
		if resp.Approved {
			return "", nil
		}
		// A rejection re-runs the review stage: the draft is regenerated
		// with the reviewer's feedback available in the context.
		if proc.Context.Extra == nil {
			proc.Context.Extra = make(map[string]any)
		}
		proc.Context.Extra["review_feedback"] = resp.Feedback
		proc.Context.FinalDraft = ""
		return StageFinalReview, nil
	}

	return "", fmt.Errorf("%w: stage %s does not accept %s responses", contracts.ErrInvalidPayload, stage, kind)
}

// selectFrom decodes a select-option response and resolves the chosen
// option against the offered set
func selectFrom[T any](payload json.RawMessage, options []T, id func(T) string) (*T, error) {
	var resp contracts.SelectOptionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidPayload, err)
	}
	if resp.OptionID == "" {
		return nil, fmt.Errorf("%w: missing option id", contracts.ErrInvalidPayload)
	}
	for _, opt := range options {
		if id(opt) == resp.OptionID {
			chosen := opt
			return &chosen, nil
		}
	}
	return nil, fmt.Errorf("%w: option %s was not offered", contracts.ErrInvalidPayload, resp.OptionID)
}

// parseOutline parses the plain-text outline format produced by
// renderOutline: a title line followed by "- Heading: notes" lines
func parseOutline(text string) (*contracts.Outline, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("outline needs a title and at least one section")
	}

	outline := &contracts.Outline{Title: strings.TrimSpace(lines[0])}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		heading, notes, _ := strings.Cut(line, ":")
		section := contracts.OutlineSection{
			Heading: strings.TrimSpace(heading),
			Notes:   strings.TrimSpace(notes),
		}
		if section.Heading == "" {
			return nil, fmt.Errorf("outline section has no heading")
		}
		outline.Sections = append(outline.Sections, section)
	}
	if len(outline.Sections) == 0 {
		return nil, fmt.Errorf("outline has no sections")
	}
	return outline, nil
}
