// Package orchestrator drives workflows through the step executor and the
// recovery ladder, keeping the audit ledger and persisted state current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/executor"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/metrics"
	"github.com/zen-systems/autoos/pkg/policy"
	"github.com/zen-systems/autoos/pkg/recovery"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/state"
	"github.com/zen-systems/autoos/pkg/workflow"
)

var (
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the workflow's current state.
	ErrInvalidTransition = errors.New("invalid workflow state transition")
)

// DefaultMaxConcurrentSteps bounds parallel dispatch of independent steps.
const DefaultMaxConcurrentSteps = 4

// EscalationPolicy decides what happens to a workflow when a step reaches
// human escalation.
type EscalationPolicy string

const (
	EscalationPause EscalationPolicy = "pause"
	EscalationFail  EscalationPolicy = "fail"
)

// ParseEscalationPolicy converts a config value. Empty means pause.
func ParseEscalationPolicy(s string) (EscalationPolicy, error) {
	switch EscalationPolicy(s) {
	case "", EscalationPause:
		return EscalationPause, nil
	case EscalationFail:
		return EscalationFail, nil
	}
	return "", fmt.Errorf("unknown escalation policy %q", s)
}

// Orchestrator owns the lifecycle of submitted workflows.
type Orchestrator struct {
	executor      *executor.Executor
	escalator     *recovery.Escalator
	policies      *policy.Registry
	roles         schema.RoleTable
	ledger        ledger.Ledger
	store         state.Store
	metrics       metrics.Sink
	logger        zerolog.Logger
	maxConcurrent int
	escalation    EscalationPolicy
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLedger(l ledger.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithStateStore(s state.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithMetrics(s metrics.Sink) Option {
	return func(o *Orchestrator) { o.metrics = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxConcurrentSteps sets the parallel dispatch limit. Values below one
// are ignored.
func WithMaxConcurrentSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

func WithEscalationPolicy(p EscalationPolicy) Option {
	return func(o *Orchestrator) { o.escalation = p }
}

// WithRecoveryPolicy replaces the escalator's retry policy.
func WithRecoveryPolicy(p recovery.Policy) Option {
	return func(o *Orchestrator) { o.escalator = recovery.New(p) }
}

func WithPolicyRegistry(r *policy.Registry) Option {
	return func(o *Orchestrator) { o.policies = r }
}

func WithRoleTable(t schema.RoleTable) Option {
	return func(o *Orchestrator) { o.roles = t }
}

// WithSleep replaces the retry backoff sleeper, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an Orchestrator around an executor.
func New(exec *executor.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:      exec,
		escalator:     recovery.New(recovery.DefaultPolicy()),
		policies:      policy.NewRegistry(),
		roles:         schema.DefaultRoleTable(),
		ledger:        ledger.NewMemory(),
		store:         state.NewMemory(),
		metrics:       metrics.Nop{},
		logger:        zerolog.Nop(),
		maxConcurrent: DefaultMaxConcurrentSteps,
		escalation:    EscalationPause,
		sleep:         adapter.SleepWithContext,
		now:           func() time.Time { return time.Now().UTC() },
		runs:          make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates wf, assigns an id when missing and registers it as
// PENDING. The workflow is copied; later changes to wf have no effect.
func (o *Orchestrator) Submit(ctx context.Context, wf *schema.Workflow) (string, error) {
	if err := workflow.Validate(wf); err != nil {
		return "", err
	}
	if wf.Strategy != "" {
		if _, err := o.policies.Get(wf.Strategy); err != nil {
			return "", fmt.Errorf("%w: %v", workflow.ErrMalformedWorkflow, err)
		}
	}
	cp := wf.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Reset()
	now := o.now()
	cp.CreatedAt, cp.UpdatedAt = now, now

	o.mu.Lock()
	if _, exists := o.runs[cp.ID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("workflow %s already submitted", cp.ID)
	}
	r := newRun(&state.Snapshot{Workflow: cp})
	o.runs[cp.ID] = r
	o.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	change := schema.StateChange{WorkflowID: cp.ID, To: schema.WorkflowPending, Reason: "submitted", Timestamp: now}
	if err := o.ledger.Write(bg, ledger.StateChangeEvent(change)); err != nil {
		o.mu.Lock()
		delete(o.runs, cp.ID)
		o.mu.Unlock()
		return "", fmt.Errorf("write submission: %w", err)
	}
	r.mu.Lock()
	o.persist(bg, r)
	r.mu.Unlock()

	o.logger.Info().Str("workflow_id", cp.ID).Str("name", cp.Name).Int("steps", len(cp.Steps)).Msg("workflow submitted")
	return cp.ID, nil
}

// Run drives a PENDING workflow until it terminates or pauses and returns
// the final snapshot.
func (o *Orchestrator) Run(ctx context.Context, id string) (*state.Snapshot, error) {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.active || r.snap.Workflow.State != schema.WorkflowPending {
		st := r.snap.Workflow.State
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s workflow", ErrInvalidTransition, st)
	}
	r.active = true
	r.resetControl()
	err = o.transition(ctx, r, schema.WorkflowRunning, "run")
	r.mu.Unlock()
	if err != nil {
		o.release(r)
		return nil, err
	}
	return o.drive(ctx, r)
}

// Execute submits wf and runs it to completion or pause.
func (o *Orchestrator) Execute(ctx context.Context, wf *schema.Workflow) (*state.Snapshot, error) {
	id, err := o.Submit(ctx, wf)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, id)
}

// Pause asks a RUNNING workflow to stop dispatching. In-flight steps finish
// and are applied before the workflow becomes PAUSED.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Workflow.State != schema.WorkflowRunning {
		return fmt.Errorf("%w: pause %s workflow", ErrInvalidTransition, r.snap.Workflow.State)
	}
	if r.active {
		r.pauseRequested = true
		r.signal()
		return nil
	}
	return o.transition(ctx, r, schema.WorkflowPaused, "pause requested")
}

// Resume re-enters the loop of a PAUSED workflow. Escalated steps are
// retried at their preserved recovery level.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*state.Snapshot, error) {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.active || r.snap.Workflow.State != schema.WorkflowPaused {
		st := r.snap.Workflow.State
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: resume %s workflow", ErrInvalidTransition, st)
	}
	r.active = true
	r.resetControl()
	for _, s := range r.snap.Workflow.Steps {
		if s.Status == schema.StepEscalated || s.Status == schema.StepRunning {
			s.Status = schema.StepPending
			s.LevelAttempts = 0
		}
	}
	r.snap.Escalation = nil
	err = o.transition(ctx, r, schema.WorkflowRunning, "resumed")
	r.mu.Unlock()
	if err != nil {
		o.release(r)
		return nil, err
	}
	return o.drive(ctx, r)
}

// Cancel stops a workflow. Dispatch stops immediately; results of calls
// still in flight are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Workflow.State.Terminal() {
		return fmt.Errorf("%w: cancel %s workflow", ErrInvalidTransition, r.snap.Workflow.State)
	}
	if r.active {
		r.cancelRequested = true
		if r.stop != nil {
			r.stop()
		}
		r.signal()
		return nil
	}
	return o.transition(ctx, r, schema.WorkflowCancelled, "cancel requested")
}

// Inspect returns a copy of the workflow state with its failure and
// decision history in chronological order.
func (o *Orchestrator) Inspect(ctx context.Context, id string) (*state.Snapshot, error) {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Clone(), nil
}

// List returns snapshots of every known workflow, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*state.Snapshot, error) {
	ids, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	o.mu.Lock()
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var out []*state.Snapshot
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		snap, err := o.Inspect(ctx, id)
		if errors.Is(err, ErrWorkflowNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Workflow.CreatedAt.After(out[j].Workflow.CreatedAt)
	})
	return out, nil
}

// lookup finds a workflow in memory or loads it from the state store.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		return r, nil
	}
	snap, err := o.store.Load(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	r := newRun(snap)
	o.runs[id] = r
	return r, nil
}

func (o *Orchestrator) release(r *run) {
	r.mu.Lock()
	r.active = false
	r.stop = nil
	r.mu.Unlock()
}

// transition moves the workflow to a new state. The state change is
// written to the ledger first. Callers hold r.mu.
func (o *Orchestrator) transition(ctx context.Context, r *run, to schema.WorkflowState, reason string) error {
	wf := r.snap.Workflow
	if !validTransition(wf.State, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, wf.State, to)
	}
	now := o.now()
	change := schema.StateChange{
		WorkflowID: wf.ID,
		From:       wf.State,
		To:         to,
		Reason:     reason,
		Cost:       wf.Cost,
		Timestamp:  now,
	}
	bg := context.WithoutCancel(ctx)
	if err := o.ledger.Write(bg, ledger.StateChangeEvent(change)); err != nil {
		return fmt.Errorf("write state change: %w", err)
	}
	wf.State = to
	wf.UpdatedAt = now
	o.persist(bg, r)

	o.logger.Info().Str("workflow_id", wf.ID).Str("from", string(change.From)).Str("to", string(to)).
		Str("reason", reason).Float64("cost", wf.Cost).Msg("workflow state change")
	if to.Terminal() {
		o.metrics.WorkflowFinished(to, now.Sub(wf.CreatedAt), wf.Cost)
	}
	return nil
}

// persist saves the snapshot. Store errors are logged; the ledger remains
// the record of truth.
func (o *Orchestrator) persist(ctx context.Context, r *run) {
	r.snap.SavedAt = o.now()
	if err := o.store.Save(ctx, r.snap); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", r.snap.Workflow.ID).Msg("save workflow snapshot")
	}
}

func validTransition(from, to schema.WorkflowState) bool {
	switch from {
	case schema.WorkflowPending:
		return to == schema.WorkflowRunning || to == schema.WorkflowCancelled
	case schema.WorkflowRunning:
		return to == schema.WorkflowPaused || to.Terminal()
	case schema.WorkflowPaused:
		return to == schema.WorkflowRunning || to == schema.WorkflowCancelled || to == schema.WorkflowFailed
	}
	return false
}
