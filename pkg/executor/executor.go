// Package executor runs a single attempt of a workflow step.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/metrics"
	"github.com/zen-systems/autoos/pkg/repair"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/telemetry"
	"github.com/zen-systems/autoos/pkg/tool"
	"github.com/zen-systems/autoos/pkg/verifier"
	"github.com/zen-systems/autoos/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCallTimeout bounds every provider call.
const DefaultCallTimeout = 300 * time.Second

// Upstream is the result of a completed dependency.
type Upstream struct {
	StepID string
	Output string
}

// Attempt is everything needed to run a step once.
type Attempt struct {
	WorkflowID    string
	WorkflowInput string
	Step          *schema.Step
	Upstream      []Upstream
	Level         schema.RecoveryLevel

	// PinnedProfile keeps the previous provider/model when set and still eligible.
	PinnedProfile string
	Exclude       []string
	Persona       string
	Strategy      string

	PreviousOutput  string
	PreviousFailure schema.FailureKind
	Diagnostic      string

	BudgetRemaining float64
	Threshold       float64
	AlwaysVerify    bool
}

// Outcome is the result of one attempt. Failure is set when the attempt did
// not succeed; Text may still hold the unverified output.
type Outcome struct {
	StepID       string
	ProfileID    string
	Provider     string
	Model        string
	Text         string
	Confidence   float64
	Verified     bool
	Verification *verifier.VerificationResult
	Cost         float64
	Calls        int
	Latency      time.Duration
	Failure      *schema.FailureRecord
}

// Succeeded reports whether the attempt produced an accepted result.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

// Executor performs step attempts.
type Executor struct {
	router      *router.Router
	invoker     *adapter.Invoker
	verifier    *verifier.Verifier
	tools       *tool.Runner
	roles       schema.RoleTable
	metrics     metrics.Sink
	tracer      trace.Tracer
	logger      zerolog.Logger
	callTimeout time.Duration
	maxTokens   int
}

// Option configures an Executor.
type Option func(*Executor)

func WithToolRunner(r *tool.Runner) Option {
	return func(e *Executor) { e.tools = r }
}

func WithRoleTable(t schema.RoleTable) Option {
	return func(e *Executor) { e.roles = t }
}

func WithMetrics(s metrics.Sink) Option {
	return func(e *Executor) { e.metrics = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) { e.callTimeout = d }
}

// WithMaxTokens caps provider output tokens.
func WithMaxTokens(n int) Option {
	return func(e *Executor) { e.maxTokens = n }
}

// New creates an Executor.
func New(r *router.Router, inv *adapter.Invoker, v *verifier.Verifier, opts ...Option) *Executor {
	e := &Executor{
		router:      r,
		invoker:     inv,
		verifier:    v,
		tools:       tool.NewRunner(nil),
		roles:       schema.DefaultRoleTable(),
		metrics:     metrics.Nop{},
		tracer:      telemetry.Tracer(),
		logger:      zerolog.Nop(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt of a step. It never returns an error; every
// problem is reported as a classified failure on the outcome.
func (e *Executor) Execute(ctx context.Context, at Attempt) Outcome {
	step := at.Step
	out := Outcome{StepID: step.ID}

	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("workflow.id", at.WorkflowID),
		attribute.String("step.id", step.ID),
		attribute.String("step.role", string(step.Role)),
		attribute.Int("recovery.level", int(at.Level)),
	))
	defer span.End()

	log := e.logger.With().Str("workflow_id", at.WorkflowID).Str("step_id", step.ID).Int("level", int(at.Level)).Logger()

	profile, err := e.resolveProfile(at)
	if err != nil {
		out.Failure = e.failure(at, "", schema.FailureNoProviderAvailable, router.ProviderProfile{}, err.Error())
		e.finishSpan(span, out)
		return out
	}
	out.ProfileID, out.Provider, out.Model = profile.ID, profile.Provider, profile.Model
	span.SetAttributes(attribute.String("provider", profile.Provider), attribute.String("model", profile.Model))

	a, ok := e.router.Registry().Adapter(profile.Provider)
	if !ok {
		out.Failure = e.failure(at, "", schema.FailureNoProviderAvailable, profile, "no adapter registered for "+profile.Provider)
		e.finishSpan(span, out)
		return out
	}

	system, prompt, err := e.buildPrompt(at)
	if err != nil {
		out.Failure = e.failure(at, "", schema.FailureModelError, profile, fmt.Sprintf("render input: %v", err))
		e.finishSpan(span, out)
		return out
	}

	res, callErr := e.invoker.Invoke(ctx, adapter.Target{Adapter: a, Model: profile.Model, Pricing: profile.Pricing},
		adapter.Request{System: system, Prompt: prompt},
		adapter.Constraints{MaxTokens: e.maxTokens, Timeout: e.callTimeout, BudgetCeiling: at.BudgetRemaining})
	out.Calls = 1 + res.Retries
	out.Cost = res.Cost.Amount
	out.Latency = res.Latency
	e.recordCall(profile, step.Role, res, callErr)

	if callErr != nil {
		kind := adapter.Classify(callErr)
		out.Failure = e.failure(at, "", kind, profile, callErr.Error())
		log.Debug().Str("provider", profile.Provider).Str("kind", string(kind)).Err(callErr).Msg("provider call failed")
		e.finishSpan(span, out)
		return out
	}
	out.Text = res.Text

	if step.Tool != nil {
		toolRes, toolErr := e.tools.Run(ctx, step.Tool, out.Text)
		switch {
		case toolErr != nil:
			out.Failure = e.failure(at, "", schema.FailureToolError, profile, toolErr.Error())
		case !toolRes.Passed:
			out.Failure = e.failure(at, "", schema.FailureToolError, profile, toolRes.Diagnostics.Summary())
		default:
			out.Text = toolRes.Output
		}
		if toolRes != nil {
			e.metrics.ToolExecution(toolName(step.Tool), toolRes.Passed, toolRes.Diagnostics.Duration)
		}
		if out.Failure != nil {
			e.finishSpan(span, out)
			return out
		}
	}

	out.Confidence = verifier.Score(out.Text, res.Confidence)
	span.SetAttributes(attribute.Float64("confidence", out.Confidence))
	if out.Confidence >= at.Threshold && !at.AlwaysVerify {
		e.finishSpan(span, out)
		return out
	}

	verifyBudget := at.BudgetRemaining - out.Cost
	if verifyBudget <= 0 {
		out.Failure = e.failure(at, schema.SubStepVerification, schema.FailureBudgetExceeded, profile,
			fmt.Sprintf("no budget left to verify output (remaining %.4f)", verifyBudget))
		e.finishSpan(span, out)
		return out
	}
	vr, verr := e.verifier.Verify(ctx, out.Text, verifier.TaskContext{
		WorkflowID:      at.WorkflowID,
		StepID:          step.ID,
		Role:            step.Role,
		Input:           prompt,
		Provider:        profile.Provider,
		Model:           profile.Model,
		BudgetRemaining: verifyBudget,
		Constraints:     adapter.Constraints{MaxTokens: e.maxTokens, Timeout: e.callTimeout, BudgetCeiling: verifyBudget},
	})
	out.Verification = &vr
	out.Cost += vr.Cost
	if vr.ProfileID != "" {
		out.Calls++
	}

	switch {
	case verr != nil:
		out.Failure = e.failure(at, schema.SubStepVerification, adapter.Classify(verr), profile, verr.Error())
	case vr.HallucinationDetected:
		out.Failure = e.failure(at, "", schema.FailureHallucination, profile,
			fmt.Sprintf("verifier %s similarity %.2f below %.2f", vr.ProfileID, vr.Similarity, verifier.HallucinationThreshold))
	default:
		out.Verified = true
		if vr.Confidence > out.Confidence {
			out.Confidence = vr.Confidence
		}
	}
	log.Debug().Str("verifier", vr.ProfileID).Float64("similarity", vr.Similarity).Bool("verified", out.Verified).Msg("verification finished")
	e.finishSpan(span, out)
	return out
}

func (e *Executor) resolveProfile(at Attempt) (router.ProviderProfile, error) {
	if at.PinnedProfile != "" {
		if p, ok := e.router.Registry().Profile(at.PinnedProfile); ok && !excluded(p, at.Exclude) && p.Supports(at.Step.Role) {
			return p, nil
		}
	}
	return e.router.Select(at.Step.Role, at.BudgetRemaining, at.Exclude)
}

func excluded(p router.ProviderProfile, exclude []string) bool {
	for _, x := range exclude {
		if x == p.Provider || x == p.ID {
			return true
		}
	}
	return false
}

func (e *Executor) buildPrompt(at Attempt) (string, string, error) {
	spec := e.roles.Spec(at.Step.Role)
	system := spec.SystemPrompt
	if at.Persona != "" {
		system = strings.TrimSpace(fmt.Sprintf("%s\nAct as a %s.", system, at.Persona))
	}

	upstream := make(map[string]string, len(at.Upstream))
	for _, u := range at.Upstream {
		upstream[u.StepID] = u.Output
	}
	rendered, err := workflow.RenderInput(at.Step.Input, at.WorkflowInput, upstream)
	if err != nil {
		return "", "", err
	}
	if len(at.Upstream) > 0 && !workflow.ReferencesSteps(at.Step.Input) {
		var sb strings.Builder
		sb.WriteString(rendered)
		sb.WriteString("\n\nContext from previous steps:\n")
		for _, u := range at.Upstream {
			sb.WriteString(fmt.Sprintf("\n[%s]\n%s\n", u.StepID, u.Output))
		}
		rendered = sb.String()
	}

	switch {
	case at.Strategy != "":
		return system, repair.GenerateMutationPrompt(rendered, at.Strategy, at.PreviousFailure, at.PreviousOutput), nil
	case at.PreviousFailure == schema.FailureToolError && at.PreviousOutput != "":
		return system, repair.GenerateRepairPrompt(rendered, at.PreviousOutput, at.Diagnostic), nil
	}
	return system, rendered, nil
}

func (e *Executor) recordCall(p router.ProviderProfile, role schema.Role, res *adapter.Result, callErr error) {
	updated, err := e.router.Registry().RecordOutcome(p.ID, router.Outcome{
		Success: callErr == nil,
		Latency: res.Latency,
		Cost:    res.Cost.Amount,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("profile", p.ID).Msg("record outcome")
		return
	}
	e.metrics.Reliability(updated.ID, updated.Reliability)

	call := metrics.Call{
		Provider: p.Provider,
		Model:    p.Model,
		Role:     role,
		Latency:  res.Latency,
		Tokens:   res.Usage.TotalTokens,
		Cost:     res.Cost.Amount,
	}
	if callErr != nil {
		call.Failure = adapter.Classify(callErr)
	} else {
		call.Confidence = verifier.Score(res.Text, res.Confidence)
	}
	e.metrics.LLMCall(call)
}

func (e *Executor) failure(at Attempt, subStep string, kind schema.FailureKind, p router.ProviderProfile, diagnostic string) *schema.FailureRecord {
	component := "executor"
	if subStep != "" {
		component = subStep
	}
	e.metrics.Failure(kind, component)
	return &schema.FailureRecord{
		ID:         uuid.NewString(),
		WorkflowID: at.WorkflowID,
		StepID:     at.Step.ID,
		SubStep:    subStep,
		Kind:       kind,
		Level:      at.Level,
		Provider:   p.Provider,
		Model:      p.Model,
		Diagnostic: diagnostic,
		Timestamp:  time.Now().UTC(),
	}
}

func (e *Executor) finishSpan(span trace.Span, out Outcome) {
	span.SetAttributes(attribute.Float64("cost", out.Cost), attribute.Int("calls", out.Calls))
	if out.Failure != nil {
		span.SetStatus(codes.Error, string(out.Failure.Kind))
		span.SetAttributes(attribute.String("failure.kind", string(out.Failure.Kind)))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func toolName(t *schema.ToolSpec) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Command[0]
}
