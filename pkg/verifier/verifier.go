package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
)

// TaskContext describes the output being verified.
type TaskContext struct {
	WorkflowID      string
	StepID          string
	Role            schema.Role
	Input           string
	Provider        string
	Model           string
	BudgetRemaining float64
	Constraints     adapter.Constraints
}

// VerificationResult is the outcome of a cross-check.
type VerificationResult struct {
	ProfileID             string
	Provider              string
	Model                 string
	Text                  string
	Similarity            float64
	Confidence            float64
	HallucinationDetected bool
	Cost                  float64
	Latency               time.Duration
}

// Verifier cross-checks an output with an independent provider.
type Verifier struct {
	router  *router.Router
	invoker *adapter.Invoker
	roles   schema.RoleTable
	logger  zerolog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithRoleTable sets the role table used for the verifier system prompt.
func WithRoleTable(t schema.RoleTable) Option {
	return func(v *Verifier) {
		v.roles = t
	}
}

// New creates a Verifier.
func New(r *router.Router, inv *adapter.Invoker, opts ...Option) *Verifier {
	v := &Verifier{
		router:  r,
		invoker: inv,
		roles:   schema.DefaultRoleTable(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify asks a verifier-role profile from a different provider to solve the
// task independently and compares the answers. Errors are *adapter.Failure
// values of kind MODEL_ERROR, or BUDGET_EXCEEDED when the call overran its
// ceiling; the partially filled result is still returned.
func (v *Verifier) Verify(ctx context.Context, original string, task TaskContext) (VerificationResult, error) {
	var exclude []string
	if task.Provider != "" {
		exclude = append(exclude, task.Provider)
	}
	profile, err := v.router.Select(schema.RoleVerifier, task.BudgetRemaining, exclude)
	if err != nil {
		return VerificationResult{}, adapter.NewFailure(schema.FailureModelError, fmt.Errorf("select verifier: %w", err))
	}
	res := VerificationResult{ProfileID: profile.ID, Provider: profile.Provider, Model: profile.Model}

	a, ok := v.router.Registry().Adapter(profile.Provider)
	if !ok {
		return res, adapter.NewFailure(schema.FailureModelError, fmt.Errorf("no adapter for verifier %s", profile.ID))
	}

	out, callErr := v.invoker.Invoke(ctx, adapter.Target{Adapter: a, Model: profile.Model, Pricing: profile.Pricing},
		adapter.Request{System: v.roles.Spec(schema.RoleVerifier).SystemPrompt, Prompt: verificationPrompt(task)},
		task.Constraints)
	res.Cost = out.Cost.Amount
	res.Latency = out.Latency
	if _, recErr := v.router.Registry().RecordOutcome(profile.ID, router.Outcome{
		Success: callErr == nil,
		Latency: out.Latency,
		Cost:    out.Cost.Amount,
	}); recErr != nil {
		v.logger.Warn().Err(recErr).Str("profile", profile.ID).Msg("record verifier outcome")
	}
	if callErr != nil {
		kind := schema.FailureModelError
		if adapter.Classify(callErr) == schema.FailureBudgetExceeded {
			kind = schema.FailureBudgetExceeded
		}
		return res, adapter.NewFailure(kind, fmt.Errorf("verifier %s: %w", profile.ID, callErr))
	}

	res.Text = out.Text
	res.Similarity = Similarity(original, out.Text)
	res.HallucinationDetected = res.Similarity < HallucinationThreshold
	res.Confidence = clamp(0.5*res.Similarity + 0.5*HeuristicConfidence(original))

	v.logger.Debug().
		Str("workflow_id", task.WorkflowID).
		Str("step_id", task.StepID).
		Str("provider", profile.Provider).
		Float64("similarity", res.Similarity).
		Bool("hallucination", res.HallucinationDetected).
		Msg("verification completed")
	return res, nil
}

func verificationPrompt(task TaskContext) string {
	return fmt.Sprintf("Solve the following %s task independently. Give a complete answer.\n\nTask:\n%s", task.Role, task.Input)
}
