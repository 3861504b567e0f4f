package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/store"
)

// Log is the per-process, strictly-ordered append-only event stream.
// Appends for the same process are serialized so sequence assignment has no
// gaps or duplicates even under parallel producers; fan-out to subscribers
// never fails the producing stage.
type Log struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*procLog
}

// procLog holds the per-process serialization lock and subscriber set.
// Entries are spawned on first use and despawned through Forget.
type procLog struct {
	appendMu sync.Mutex

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan contracts.EventEnvelope
}

// LogOption configures the event log
type LogOption func(*Log)

// WithLogger sets the logger for the event log
func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		l.logger = logger
	}
}

// New creates an event log over the given store
func New(st store.Store, opts ...LogOption) *Log {
	l := &Log{
		store:  st,
		logger: slog.Default(),
		procs:  make(map[string]*procLog),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// proc returns the per-process entry, spawning it on first use
func (l *Log) proc(processID string) *procLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, exists := l.procs[processID]
	if !exists {
		p = &procLog{subs: make(map[int]chan contracts.EventEnvelope)}
		l.procs[processID] = p
	}
	return p
}

// Append marshals payload, assigns the next sequence for the process, writes
// the event through the store, and fans it out to subscribers. Concurrent
// appends for one process are serialized; appends for different processes
// do not contend.
func (l *Log) Append(ctx context.Context, processID string, eventType string, payload any) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		raw = data
	}

	p := l.proc(processID)
	p.appendMu.Lock()
	seq, err := l.store.AppendEvent(ctx, processID, eventType, raw)
	p.appendMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	l.fanOut(p, contracts.EventEnvelope{
		ProcessID: processID,
		Sequence:  seq,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})

	return seq, nil
}

// fanOut delivers the event to all subscribers. A subscriber that cannot
// keep up has the event dropped; delivery problems are logged and otherwise
// ignored so the owning stage never fails on the publish path.
func (l *Log) fanOut(p *procLog, envelope contracts.EventEnvelope) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for id, ch := range p.subs {
		select {
		case ch <- envelope:
		default:
			l.logger.Warn("dropping event for slow subscriber",
				"processId", envelope.ProcessID,
				"sequence", envelope.Sequence,
				"type", envelope.Type,
				"subscriber", id)
		}
	}
}

// Subscribe returns an ordered stream of events for the process and a cancel
// function that releases the subscription. The buffer bounds how far a slow
// observer may lag before events are dropped for it.
func (l *Log) Subscribe(processID string, buffer int) (<-chan contracts.EventEnvelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	p := l.proc(processID)

	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan contracts.EventEnvelope, buffer)
	p.subs[id] = ch
	p.subMu.Unlock()

	cancel := func() {
		p.subMu.Lock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
		p.subMu.Unlock()
	}

	return ch, cancel
}

// ReadFrom is the pull alternative for observers that cannot hold an open
// connection: it re-reads the event log from the given sequence.
func (l *Log) ReadFrom(ctx context.Context, processID string, from uint64) ([]contracts.EventEnvelope, error) {
	return l.store.Events(ctx, processID, from)
}

// LastSequence returns the highest sequence assigned for the process
func (l *Log) LastSequence(ctx context.Context, processID string) (uint64, error) {
	return l.store.LastSequence(ctx, processID)
}

// Forget despawns the in-memory entry for a process that reached a terminal
// status, closing any remaining subscriptions
func (l *Log) Forget(processID string) {
	l.mu.Lock()
	p, exists := l.procs[processID]
	if exists {
		delete(l.procs, processID)
	}
	l.mu.Unlock()

	if !exists {
		return
	}

	p.subMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subMu.Unlock()
}
