package decision

import (
	"context"
	"sync"
	"time"
)

// EntryKind distinguishes the two facts the log records
type EntryKind string

const (
	EntryRecorded EntryKind = "recorded"
	EntryOutcome  EntryKind = "outcome"
)

// Entry is one append-only log record. Recorded entries carry the decision
// snapshot; outcome entries carry the observed outcome in [0,1].
type Entry struct {
	Seq        int64     `json:"seq"`
	Kind       EntryKind `json:"kind"`
	DecisionID string    `json:"decision_id"`
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Decision   *Decision `json:"decision,omitempty"`
	Outcome    float64   `json:"outcome,omitempty"`
	At         time.Time `json:"at"`
}

// Log is the durable decision log and the learner's single source of truth.
// Appends are idempotent per (decision id, kind) so a retried append that
// actually succeeded is not recorded twice.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Lookup(ctx context.Context, decisionID string) ([]Entry, error)
	Replay(ctx context.Context, fn func(Entry) error) error
	Close() error
}

type entryKey struct {
	id   string
	kind EntryKind
}

// MemoryLog is a process-local Log used in tests and when durability is not configured
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	keys    map[entryKey]struct{}
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{keys: make(map[entryKey]struct{})}
}

// Append adds e with the next sequence number
func (m *MemoryLog) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey{e.DecisionID, e.Kind}
	if _, ok := m.keys[key]; ok {
		return nil
	}
	m.keys[key] = struct{}{}
	e.Seq = int64(len(m.entries) + 1)
	e.Decision = e.Decision.Clone()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of every entry in append order
func (m *MemoryLog) Entries(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		e.Decision = e.Decision.Clone()
		out[i] = e
	}
	return out, nil
}

// Lookup returns the entries of one decision in append order
func (m *MemoryLog) Lookup(ctx context.Context, decisionID string) ([]Entry, error) {
	all, _ := m.Entries(ctx)
	var out []Entry
	for _, e := range all {
		if e.DecisionID == decisionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Replay calls fn for each entry in append order, stopping at the first error
func (m *MemoryLog) Replay(ctx context.Context, fn func(Entry) error) error {
	all, _ := m.Entries(ctx)
	for _, e := range all {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op
func (m *MemoryLog) Close() error { return nil }
