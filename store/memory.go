package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/draftflow/draftflow-go/contracts"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-node runs.
// Processes are deep-copied on load and save so callers never share memory
// with the stored record.
type MemoryStore struct {
	mu        sync.RWMutex
	processes map[string]*contracts.Process
	events    map[string][]contracts.EventEnvelope
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes: make(map[string]*contracts.Process),
		events:    make(map[string][]contracts.EventEnvelope),
	}
}

// CreateProcess implements Store
func (s *MemoryStore) CreateProcess(ctx context.Context, p *contracts.Process) (string, error) {
	if p == nil {
		return "", fmt.Errorf("process cannot be nil")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	cp, err := copyProcess(p)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processes[p.ID]; exists {
		return "", fmt.Errorf("process %s already exists", p.ID)
	}
	s.processes[p.ID] = cp
	return p.ID, nil
}

// UpdateProcess implements Store
func (s *MemoryStore) UpdateProcess(ctx context.Context, id string, upd ProcessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.processes[id]
	if !exists {
		return contracts.ErrNotFound
	}

	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.CurrentStage != nil {
		p.CurrentStage = *upd.CurrentStage
	}
	if upd.Context != nil {
		p.Context.Merge(upd.Context)
	}
	if upd.ReplaceContext != nil {
		p.Context = *upd.ReplaceContext
	}
	if upd.WaitingForInput != nil {
		p.WaitingForInput = *upd.WaitingForInput
	}
	if upd.InputKind != nil {
		p.InputKind = *upd.InputKind
	}
	if upd.PendingRequest != nil {
		p.PendingRequest = *upd.PendingRequest
	}
	if upd.ErrorMessage != nil {
		p.ErrorMessage = *upd.ErrorMessage
	}
	p.UpdatedAt = time.Now().UTC()

	return nil
}

// LoadProcess implements Store
func (s *MemoryStore) LoadProcess(ctx context.Context, id string) (*contracts.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.processes[id]
	if !exists {
		return nil, contracts.ErrNotFound
	}

	return copyProcess(p)
}

// AppendEvent implements Store
func (s *MemoryStore) AppendEvent(ctx context.Context, id string, eventType string, payload json.RawMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processes[id]; !exists {
		return 0, contracts.ErrNotFound
	}

	seq := uint64(len(s.events[id])) + 1
	s.events[id] = append(s.events[id], contracts.EventEnvelope{
		ProcessID: id,
		Sequence:  seq,
		Type:      eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: time.Now().UTC(),
	})

	return seq, nil
}

// LastSequence implements Store
func (s *MemoryStore) LastSequence(ctx context.Context, id string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.processes[id]; !exists {
		return 0, contracts.ErrNotFound
	}

	return uint64(len(s.events[id])), nil
}

// Events implements Store
func (s *MemoryStore) Events(ctx context.Context, id string, from uint64) ([]contracts.EventEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.processes[id]; !exists {
		return nil, contracts.ErrNotFound
	}

	all := s.events[id]
	if from <= 1 {
		return append([]contracts.EventEnvelope(nil), all...), nil
	}
	if from > uint64(len(all)) {
		return nil, nil
	}
	return append([]contracts.EventEnvelope(nil), all[from-1:]...), nil
}

// ActiveProcesses implements Store
func (s *MemoryStore) ActiveProcesses(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []string
	for id, p := range s.processes {
		if !p.Status.IsTerminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

// copyProcess deep-copies a process through JSON to avoid shared mutations
func copyProcess(p *contracts.Process) (*contracts.Process, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process: %w", err)
	}

	var cp contracts.Process
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process: %w", err)
	}

	return &cp, nil
}
