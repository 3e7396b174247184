// Package ledger is the append-only audit and cost record of workflow execution.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/autoos/pkg/schema"
)

// EventType names the kind of ledger entry.
type EventType string

const (
	EventFailure     EventType = "failure"
	EventDecision    EventType = "decision"
	EventStateChange EventType = "state_change"
	EventStepResult  EventType = "step_result"
)

// StepRecord captures a completed step.
type StepRecord struct {
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Attempts   int               `json:"attempts"`
	Level      int               `json:"level"`
	Confidence float64           `json:"confidence"`
	Verified   bool              `json:"verified"`
	Cost       float64           `json:"cost"`
	OutputHash string            `json:"output_hash,omitempty"`
}

// Event is one ledger entry. Exactly one payload field is set.
type Event struct {
	ID          string                   `json:"id"`
	Type        EventType                `json:"type"`
	WorkflowID  string                   `json:"workflow_id"`
	StepID      string                   `json:"step_id,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
	Failure     *schema.FailureRecord    `json:"failure,omitempty"`
	Decision    *schema.RecoveryDecision `json:"decision,omitempty"`
	StateChange *schema.StateChange      `json:"state_change,omitempty"`
	Step        *StepRecord              `json:"step,omitempty"`
}

// Ledger persists events. Writes are append-only; implementations never
// rewrite or delete entries.
type Ledger interface {
	Write(ctx context.Context, e Event) error
	Read(ctx context.Context, workflowID string) ([]Event, error)
	Close() error
}

// FailureEvent wraps a failure record.
func FailureEvent(r schema.FailureRecord) Event {
	return stamp(Event{Type: EventFailure, WorkflowID: r.WorkflowID, StepID: r.StepID, Timestamp: r.Timestamp, Failure: &r})
}

// DecisionEvent wraps a recovery decision.
func DecisionEvent(d schema.RecoveryDecision) Event {
	return stamp(Event{Type: EventDecision, WorkflowID: d.WorkflowID, StepID: d.StepID, Timestamp: d.Timestamp, Decision: &d})
}

// StateChangeEvent wraps a workflow transition.
func StateChangeEvent(c schema.StateChange) Event {
	return stamp(Event{Type: EventStateChange, WorkflowID: c.WorkflowID, Timestamp: c.Timestamp, StateChange: &c})
}

// StepEvent wraps a step result.
func StepEvent(workflowID string, r StepRecord) Event {
	return stamp(Event{Type: EventStepResult, WorkflowID: workflowID, StepID: r.StepID, Step: &r})
}

// clone copies the payload so stored entries never alias caller memory.
func (e Event) clone() Event {
	if e.Failure != nil {
		fr := *e.Failure
		e.Failure = &fr
	}
	if e.Decision != nil {
		d := *e.Decision
		e.Decision = &d
	}
	if e.StateChange != nil {
		c := *e.StateChange
		e.StateChange = &c
	}
	if e.Step != nil {
		r := *e.Step
		e.Step = &r
	}
	return e
}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Memory keeps events in process.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, stamp(e).clone())
	return nil
}

func (m *Memory) Read(_ context.Context, workflowID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if workflowID == "" || e.WorkflowID == workflowID {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
