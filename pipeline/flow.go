package pipeline

import (
	"fmt"

	"github.com/draftflow/draftflow-go/contracts"
)

// FlowSet holds the registered stage specs and one ordered stage table per
// flow mode. The flow mode is data selected at process creation; handlers
// never re-check it.
type FlowSet struct {
	specs  map[StageName]*StageSpec
	orders map[contracts.FlowMode][]StageName
}

// NewFlowSet creates an empty flow set
func NewFlowSet() *FlowSet {
	return &FlowSet{
		specs:  make(map[StageName]*StageSpec),
		orders: make(map[contracts.FlowMode][]StageName),
	}
}

// Register adds a stage spec to the set
func (f *FlowSet) Register(spec *StageSpec) error {
	if spec == nil {
		return fmt.Errorf("stage spec cannot be nil")
	}
	if spec.Name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("stage %s has no handler", spec.Name)
	}
	if _, exists := f.specs[spec.Name]; exists {
		return fmt.Errorf("stage %s already registered", spec.Name)
	}
	f.specs[spec.Name] = spec
	return nil
}

// SetOrder defines the stage order for a flow mode. Every named stage must
// already be registered.
func (f *FlowSet) SetOrder(mode contracts.FlowMode, stages ...StageName) error {
	if len(stages) == 0 {
		return fmt.Errorf("flow %s has no stages", mode)
	}
	for _, name := range stages {
		if _, exists := f.specs[name]; !exists {
			return fmt.Errorf("flow %s references unregistered stage %s", mode, name)
		}
	}
	f.orders[mode] = append([]StageName(nil), stages...)
	return nil
}

// Spec returns the spec for a stage name
func (f *FlowSet) Spec(name StageName) (*StageSpec, error) {
	spec, exists := f.specs[name]
	if !exists {
		return nil, fmt.Errorf("unknown stage: %s", name)
	}
	return spec, nil
}

// First returns the first stage of the given flow mode
func (f *FlowSet) First(mode contracts.FlowMode) (StageName, error) {
	order, exists := f.orders[mode]
	if !exists {
		return "", fmt.Errorf("unknown flow mode: %s", mode)
	}
	return order[0], nil
}

// Next returns the stage after current in the given flow mode. The boolean
// reports completion: true means current was the final stage.
func (f *FlowSet) Next(mode contracts.FlowMode, current StageName) (StageName, bool, error) {
	order, exists := f.orders[mode]
	if !exists {
		return "", false, fmt.Errorf("unknown flow mode: %s", mode)
	}
	for i, name := range order {
		if name != current {
			continue
		}
		if i+1 >= len(order) {
			return "", true, nil
		}
		return order[i+1], false, nil
	}
	return "", false, fmt.Errorf("stage %s not in flow %s", current, mode)
}

// Resilient reports whether a stage keeps running without an attached
// observer; unknown stages are treated as non-resilient
func (f *FlowSet) Resilient(name StageName) bool {
	spec, exists := f.specs[name]
	return exists && spec.DisconnectResilient
}
