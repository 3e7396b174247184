// Package state persists workflow snapshots so paused workflows can be resumed.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/autoos/pkg/schema"
)

// ErrNotFound is returned when no snapshot exists for a workflow.
var ErrNotFound = errors.New("workflow snapshot not found")

// Snapshot is the persisted execution state of one workflow.
type Snapshot struct {
	Workflow   *schema.Workflow          `json:"workflow"`
	Failures   []schema.FailureRecord    `json:"failures,omitempty"`
	Decisions  []schema.RecoveryDecision `json:"decisions,omitempty"`
	Escalation *schema.EscalationContext `json:"escalation,omitempty"`
	SavedAt    time.Time                 `json:"saved_at"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Workflow = s.Workflow.Clone()
	cp.Failures = append([]schema.FailureRecord(nil), s.Failures...)
	cp.Decisions = append([]schema.RecoveryDecision(nil), s.Decisions...)
	if s.Escalation != nil {
		esc := *s.Escalation
		esc.TriedProviders = append([]string(nil), s.Escalation.TriedProviders...)
		esc.Rationale = append([]string(nil), s.Escalation.Rationale...)
		cp.Escalation = &esc
	}
	return &cp
}

// Store saves and loads snapshots.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, workflowID string) (*Snapshot, error)
	List(ctx context.Context) ([]string, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]*Snapshot)}
}

func (m *Memory) Save(_ context.Context, s *Snapshot) error {
	if s == nil || s.Workflow == nil || s.Workflow.ID == "" {
		return errors.New("snapshot requires a workflow id")
	}
	cp := s.Clone()
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[cp.Workflow.ID] = cp
	return nil
}

func (m *Memory) Load(_ context.Context, workflowID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
