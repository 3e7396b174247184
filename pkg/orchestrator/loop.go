package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/autoos/pkg/executor"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/policy"
	"github.com/zen-systems/autoos/pkg/recovery"
	"github.com/zen-systems/autoos/pkg/repair"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/state"
)

// run is the in-process execution state of one workflow. The snapshot is
// only mutated by the goroutine driving the loop, under mu.
type run struct {
	mu   sync.Mutex
	snap *state.Snapshot

	active          bool
	pauseRequested  bool
	cancelRequested bool
	wake            chan struct{}
	// stop cancels the context workers wait on while the loop is active.
	stop context.CancelFunc

	backoff map[string]time.Duration
}

func newRun(snap *state.Snapshot) *run {
	return &run{
		snap:    snap,
		wake:    make(chan struct{}, 1),
		backoff: make(map[string]time.Duration),
	}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) resetControl() {
	r.pauseRequested = false
	r.cancelRequested = false
	select {
	case <-r.wake:
	default:
	}
}

// halt is a terminal or paused state the loop enters once in-flight steps
// have drained.
type halt struct {
	state  schema.WorkflowState
	reason string
}

func mergeHalt(cur, next *halt) *halt {
	if cur == nil {
		return next
	}
	if next != nil && next.state == schema.WorkflowFailed && cur.state != schema.WorkflowFailed {
		return next
	}
	return cur
}

type result struct {
	stepID  string
	outcome executor.Outcome
}

// drive is the main loop. It is the only goroutine touching the snapshot
// while the workflow runs; workers only execute attempts.
func (o *Orchestrator) drive(parent context.Context, r *run) (*state.Snapshot, error) {
	ctx, stop := context.WithCancel(parent)
	defer stop()
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	defer o.release(r)
	bg := context.WithoutCancel(ctx)
	results := make(chan result, o.maxConcurrent)
	inflight := 0
	var pending *halt

	for {
		r.mu.Lock()
		if r.cancelRequested || ctx.Err() != nil {
			reason := "cancel requested"
			if !r.cancelRequested {
				reason = fmt.Sprintf("context done: %v", ctx.Err())
			}
			err := o.transition(bg, r, schema.WorkflowCancelled, reason)
			if err == nil && !r.cancelRequested {
				err = ctx.Err()
			}
			snap := r.snap.Clone()
			r.mu.Unlock()
			return snap, err
		}

		if pending == nil && !r.pauseRequested {
			var h *halt
			var err error
			inflight, h, err = o.dispatch(ctx, r, results, inflight)
			if err != nil {
				return o.abort(bg, r, err)
			}
			pending = mergeHalt(pending, h)
		}

		if inflight == 0 {
			h := o.settle(r, pending)
			err := o.transition(bg, r, h.state, h.reason)
			snap := r.snap.Clone()
			r.mu.Unlock()
			return snap, err
		}
		r.mu.Unlock()

		select {
		case res := <-results:
			inflight--
			r.mu.Lock()
			if r.cancelRequested || ctx.Err() != nil {
				r.mu.Unlock()
				continue
			}
			h, err := o.apply(bg, r, res, pending)
			if err != nil {
				return o.abort(bg, r, err)
			}
			pending = mergeHalt(pending, h)
			r.mu.Unlock()
		case <-r.wake:
		case <-ctx.Done():
		}
	}
}

// dispatch starts every ready step up to the concurrency limit. The budget
// is checked before each dispatch.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, results chan<- result, inflight int) (int, *halt, error) {
	wf := r.snap.Workflow
	for inflight < o.maxConcurrent {
		i := nextReady(wf)
		if i < 0 {
			break
		}
		step := wf.Steps[i]

		if wf.BudgetUSD > 0 && wf.Cost >= wf.BudgetUSD {
			fr := schema.FailureRecord{
				ID:         uuid.NewString(),
				WorkflowID: wf.ID,
				StepID:     step.ID,
				Kind:       schema.FailureBudgetExceeded,
				Level:      step.RecoveryLevel,
				Diagnostic: fmt.Sprintf("cumulative cost %.4f reached ceiling %.4f", wf.Cost, wf.BudgetUSD),
				Timestamp:  o.now(),
			}
			if err := o.recordFailure(context.WithoutCancel(ctx), r, fr); err != nil {
				return inflight, nil, err
			}
			o.metrics.Failure(fr.Kind, "orchestrator")
			step.Status = schema.StepFailed
			return inflight, &halt{state: schema.WorkflowFailed, reason: "budget exhausted before step " + step.ID}, nil
		}

		if step.Agent == nil {
			step.AssignAgent(uuid.NewString(), "")
		}
		at := o.attempt(r, i)
		step.Status = schema.StepRunning
		step.Attempts++
		step.LevelAttempts++
		at.Step = step.Clone()
		delay := r.backoff[step.ID]
		delete(r.backoff, step.ID)

		o.logger.Debug().Str("workflow_id", wf.ID).Str("step_id", step.ID).Str("agent_id", step.Agent.ID).
			Int("level", int(step.RecoveryLevel)).Int("attempt", step.Attempts).Dur("backoff", delay).Msg("dispatching step")
		inflight++
		go o.work(ctx, at, delay, results)
	}
	return inflight, nil, nil
}

// work runs one attempt. ctx is cancelled by Cancel, so a worker still in
// backoff returns without calling the provider. Calls already started are
// detached from ctx and never aborted mid-flight.
func (o *Orchestrator) work(ctx context.Context, at executor.Attempt, delay time.Duration, results chan<- result) {
	if delay > 0 {
		if err := o.sleep(ctx, delay); err != nil {
			results <- result{stepID: at.Step.ID}
			return
		}
	}
	if ctx.Err() != nil {
		results <- result{stepID: at.Step.ID}
		return
	}
	out := o.executor.Execute(context.WithoutCancel(ctx), at)
	results <- result{stepID: at.Step.ID, outcome: out}
}

func (o *Orchestrator) attempt(r *run, i int) executor.Attempt {
	wf := r.snap.Workflow
	step := wf.Steps[i]
	strategy := o.policies.Lookup(wf.Strategy)
	spec := o.roles.Spec(step.Role)

	at := executor.Attempt{
		WorkflowID:      wf.ID,
		WorkflowInput:   wf.Input,
		Upstream:        upstream(wf, i),
		Level:           step.RecoveryLevel,
		Persona:         step.Persona,
		Strategy:        step.Strategy,
		PreviousOutput:  step.Unaccepted,
		PreviousFailure: step.LastFailure,
		Diagnostic:      lastDiagnostic(r.snap, step.ID),
		BudgetRemaining: remaining(wf),
		Threshold:       policy.Threshold(wf.ConfidenceThreshold, strategy, spec.MinConfidence),
		AlwaysVerify:    strategy.AlwaysVerify,
	}
	switch step.RecoveryLevel {
	case schema.LevelRetry, schema.LevelAgentSwap, schema.LevelStrategyMutation:
		if step.Provider != "" {
			at.PinnedProfile = router.ProfileID(step.Provider, step.Model)
		}
	case schema.LevelProviderSwap:
		at.Exclude = append([]string(nil), step.TriedProviders...)
	}
	return at
}

// apply folds a finished attempt into the workflow. Records are written to
// the ledger before the state they describe changes.
func (o *Orchestrator) apply(ctx context.Context, r *run, res result, pending *halt) (*halt, error) {
	wf := r.snap.Workflow
	step := wf.Step(res.stepID)
	out := res.outcome
	if step == nil || step.Status != schema.StepRunning {
		return nil, nil
	}
	if out.Failure == nil && out.Calls == 0 {
		// Worker stopped during backoff.
		step.Status = schema.StepPending
		return nil, nil
	}

	step.Cost += out.Cost
	wf.Cost += out.Cost
	if out.Provider != "" {
		step.Provider, step.Model = out.Provider, out.Model
		step.MarkTried(out.Provider)
	}
	log := o.logger.With().Str("workflow_id", wf.ID).Str("step_id", step.ID).Str("provider", out.Provider).
		Str("model", out.Model).Int("level", int(step.RecoveryLevel)).Logger()

	if out.Succeeded() {
		if err := o.recordStep(ctx, r, step, schema.StepSucceeded, out); err != nil {
			return nil, err
		}
		step.Status = schema.StepSucceeded
		step.Result = out.Text
		step.Unaccepted = ""
		step.Confidence = out.Confidence
		if step.Attempts > 1 {
			o.metrics.RecoverySuccess(step.RecoveryLevel)
		}
		o.persist(ctx, r)
		log.Info().Float64("confidence", out.Confidence).Bool("verified", out.Verified).Float64("cost", out.Cost).Msg("step succeeded")
		return nil, nil
	}

	fr := *out.Failure
	if err := o.recordFailure(ctx, r, fr); err != nil {
		return nil, err
	}
	step.LastFailure = fr.Kind
	step.Confidence = out.Confidence
	if out.Text != "" {
		step.Unaccepted = out.Text
	}
	if step.Agent != nil {
		step.Agent.Failures++
	}
	log.Warn().Str("kind", string(fr.Kind)).Str("diagnostic", fr.Diagnostic).Msg("step attempt failed")

	if pending != nil && pending.state == schema.WorkflowFailed {
		step.Status = schema.StepFailed
		o.persist(ctx, r)
		return nil, nil
	}
	h, err := o.recover(ctx, r, step, fr)
	o.persist(ctx, r)
	return h, err
}

// recover applies the escalator's decision for a failed attempt.
func (o *Orchestrator) recover(ctx context.Context, r *run, step *schema.Step, fr schema.FailureRecord) (*halt, error) {
	wf := r.snap.Workflow
	if fr.Kind == schema.FailureBudgetExceeded {
		step.Status = schema.StepFailed
		return &halt{state: schema.WorkflowFailed, reason: fmt.Sprintf("budget exceeded on step %s", step.ID)}, nil
	}

	d := o.escalator.Decide(recovery.State{Level: step.RecoveryLevel, LevelAttempts: step.LevelAttempts}, fr.Kind)
	if d.Fatal {
		status := schema.StepFailed
		if wf.ContinueDegraded {
			status = schema.StepSkipped
		}
		if err := o.recordStep(ctx, r, step, status, executor.Outcome{Provider: step.Provider, Model: step.Model}); err != nil {
			return nil, err
		}
		step.Status = status
		o.logger.Error().Str("workflow_id", wf.ID).Str("step_id", step.ID).Str("kind", string(fr.Kind)).
			Str("status", string(status)).Msg(d.Rationale)
		if status == schema.StepSkipped {
			return nil, nil
		}
		return &halt{state: schema.WorkflowFailed, reason: fmt.Sprintf("step %s failed: %s", step.ID, d.Rationale)}, nil
	}

	if d.Entered {
		dec := schema.RecoveryDecision{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			StepID:     step.ID,
			Action:     d.Action,
			Level:      d.Level,
			Rationale:  d.Rationale,
			Timestamp:  o.now(),
		}
		if err := o.ledger.Write(ctx, ledger.DecisionEvent(dec)); err != nil {
			return nil, fmt.Errorf("write recovery decision: %w", err)
		}
		r.snap.Decisions = append(r.snap.Decisions, dec)
		o.metrics.RecoveryAttempt(d.Action)
		o.logger.Info().Str("workflow_id", wf.ID).Str("step_id", step.ID).Str("action", string(d.Action)).
			Int("level", int(d.Level)).Msg(d.Rationale)
	}
	if d.Level != step.RecoveryLevel {
		step.RecoveryLevel = d.Level
		step.LevelAttempts = 0
	}
	step.Status = schema.StepPending

	switch d.Action {
	case schema.ActionRetry:
		r.backoff[step.ID] = d.Backoff
	case schema.ActionAgentSwap:
		step.Persona = nextPersona(o.roles.Spec(step.Role), step.Persona)
		retired := ""
		if step.Agent != nil {
			retired = step.Agent.ID
		}
		step.AssignAgent(uuid.NewString(), fr.Kind)
		o.logger.Info().Str("workflow_id", wf.ID).Str("step_id", step.ID).Str("retired_agent", retired).
			Str("agent_id", step.Agent.ID).Str("persona", step.Persona).Msg("agent replaced")
	case schema.ActionStrategyMutation:
		step.Strategy = repair.ChooseStrategy(fr.Kind)
	case schema.ActionHumanEscalation:
		step.Status = schema.StepEscalated
		r.snap.Escalation = escalationContext(r.snap, step, fr)
		reason := fmt.Sprintf("human escalation on step %s", step.ID)
		if o.escalation == EscalationFail {
			return &halt{state: schema.WorkflowFailed, reason: reason}, nil
		}
		return &halt{state: schema.WorkflowPaused, reason: reason}, nil
	}
	return nil, nil
}

// settle picks the state to enter once nothing is in flight.
func (o *Orchestrator) settle(r *run, pending *halt) *halt {
	if pending != nil {
		return pending
	}
	if r.pauseRequested {
		return &halt{state: schema.WorkflowPaused, reason: "pause requested"}
	}
	for _, s := range r.snap.Workflow.Steps {
		if !s.Status.Done() {
			return &halt{state: schema.WorkflowFailed, reason: fmt.Sprintf("step %s is %s with nothing runnable", s.ID, s.Status)}
		}
	}
	return &halt{state: schema.WorkflowSucceeded, reason: "all steps completed"}
}

// abort stops the run after a ledger failure. The state is set without a
// ledger record since the ledger is what failed.
func (o *Orchestrator) abort(ctx context.Context, r *run, cause error) (*state.Snapshot, error) {
	wf := r.snap.Workflow
	o.logger.Error().Err(cause).Str("workflow_id", wf.ID).Msg("ledger write failed, aborting workflow")
	wf.State = schema.WorkflowFailed
	wf.UpdatedAt = o.now()
	o.persist(ctx, r)
	o.metrics.WorkflowFinished(schema.WorkflowFailed, wf.UpdatedAt.Sub(wf.CreatedAt), wf.Cost)
	snap := r.snap.Clone()
	r.mu.Unlock()
	return snap, fmt.Errorf("workflow %s aborted: %w", wf.ID, cause)
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, fr schema.FailureRecord) error {
	if err := o.ledger.Write(ctx, ledger.FailureEvent(fr)); err != nil {
		return fmt.Errorf("write failure record: %w", err)
	}
	r.snap.Failures = append(r.snap.Failures, fr)
	return nil
}

func (o *Orchestrator) recordStep(ctx context.Context, r *run, step *schema.Step, status schema.StepStatus, out executor.Outcome) error {
	rec := ledger.StepRecord{
		StepID:     step.ID,
		Status:     status,
		Provider:   out.Provider,
		Model:      out.Model,
		Attempts:   step.Attempts,
		Level:      int(step.RecoveryLevel),
		Confidence: out.Confidence,
		Verified:   out.Verified,
		Cost:       step.Cost,
	}
	if out.Text != "" {
		sum := sha256.Sum256([]byte(out.Text))
		rec.OutputHash = hex.EncodeToString(sum[:])
	}
	if err := o.ledger.Write(ctx, ledger.StepEvent(r.snap.Workflow.ID, rec)); err != nil {
		return fmt.Errorf("write step result: %w", err)
	}
	return nil
}

func nextReady(wf *schema.Workflow) int {
	for i, s := range wf.Steps {
		if s.Status != schema.StepPending {
			continue
		}
		ready := true
		for _, dep := range wf.Dependencies(i) {
			if d := wf.Step(dep); d == nil || !d.Status.Done() {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return -1
}

func upstream(wf *schema.Workflow, i int) []executor.Upstream {
	var out []executor.Upstream
	for _, dep := range wf.Dependencies(i) {
		if d := wf.Step(dep); d != nil && d.Status == schema.StepSucceeded {
			out = append(out, executor.Upstream{StepID: d.ID, Output: d.Result})
		}
	}
	return out
}

func remaining(wf *schema.Workflow) float64 {
	if wf.BudgetUSD <= 0 {
		return router.Unlimited
	}
	return wf.BudgetUSD - wf.Cost
}

func lastDiagnostic(snap *state.Snapshot, stepID string) string {
	for i := len(snap.Failures) - 1; i >= 0; i-- {
		if snap.Failures[i].StepID == stepID {
			return snap.Failures[i].Diagnostic
		}
	}
	return ""
}

func nextPersona(spec schema.RoleSpec, current string) string {
	for i := 1; i <= len(spec.Personas); i++ {
		if p := spec.Persona(i); p != current {
			return p
		}
	}
	return current
}

func escalationContext(snap *state.Snapshot, step *schema.Step, fr schema.FailureRecord) *schema.EscalationContext {
	esc := &schema.EscalationContext{
		StepID:         step.ID,
		Role:           step.Role,
		Level:          step.RecoveryLevel,
		LastFailure:    fr.Kind,
		Diagnostic:     fr.Diagnostic,
		TriedProviders: append([]string(nil), step.TriedProviders...),
		Agents:         step.AgentIDs(),
	}
	for _, d := range snap.Decisions {
		if d.StepID == step.ID {
			esc.Rationale = append(esc.Rationale, fmt.Sprintf("%s (level %d): %s", d.Action, d.Level, d.Rationale))
		}
	}
	return esc
}
