package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/schema"
)

// RetryPolicy defines the adapter-internal retry of transient errors.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	Factor      float64
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries twice, waiting 500ms then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseBackoff: 500 * time.Millisecond, Factor: 2}
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return ComputeBackoff(p.BaseBackoff, p.Factor, p.MaxBackoff, attempt)
}

// ComputeBackoff returns base*factor^attempt, capped at max when max > 0.
func ComputeBackoff(base time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	if factor <= 0 {
		factor = 2
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * factor)
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

// Target is the concrete provider/model an invocation goes to.
type Target struct {
	Adapter Adapter
	Model   string
	Pricing Pricing
}

// Constraints bound a single invocation.
type Constraints struct {
	MaxTokens     int
	Timeout       time.Duration
	BudgetCeiling float64
}

// Result is the normalized outcome of an invocation. Invoke returns a
// non-nil Result even on failure so callers can account latency and cost.
type Result struct {
	Text       string
	Confidence *float64
	Usage      Usage
	Cost       Cost
	Latency    time.Duration
	Retries    int
	Report     CallReport
}

// Invoker calls adapters with timeouts, retry and failure classification.
type Invoker struct {
	retry  RetryPolicy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithRetryPolicy overrides the internal retry policy.
func WithRetryPolicy(p RetryPolicy) InvokerOption {
	return func(inv *Invoker) {
		inv.retry = p
	}
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(l zerolog.Logger) InvokerOption {
	return func(inv *Invoker) {
		inv.logger = l
	}
}

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(inv *Invoker) {
		inv.sleep = fn
	}
}

// NewInvoker creates an Invoker with the default retry policy.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		retry:  DefaultRetryPolicy(),
		logger: zerolog.Nop(),
		sleep:  SleepWithContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke sends req to target. Transient errors are retried internally; any
// error returned is a *Failure.
func (inv *Invoker) Invoke(ctx context.Context, target Target, req Request, c Constraints) (*Result, error) {
	if target.Adapter == nil {
		return &Result{}, NewFailure(schema.FailureNoProviderAvailable, fmt.Errorf("no adapter for model %s", target.Model))
	}
	req.Model = target.Model
	if c.MaxTokens > 0 {
		req.MaxTokens = c.MaxTokens
	}

	result := &Result{}
	var lastErr error
	for attempt := 0; attempt <= inv.retry.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := inv.generate(ctx, target.Adapter, req, c.Timeout)
		result.Latency = time.Since(start)
		result.Retries = attempt

		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = NewFailure(schema.FailureModelError, ErrEmptyOutput)
		}
		if err == nil {
			usage := normalizeUsage(resp.Usage)
			result.Text = resp.Text
			result.Confidence = resp.Confidence
			result.Usage = usage
			result.Cost = EstimateCost(target.Pricing, usage)
			result.Report = inv.report(target, result, nil)
			if c.BudgetCeiling > 0 && result.Cost.Amount > c.BudgetCeiling {
				failure := NewFailure(schema.FailureBudgetExceeded,
					fmt.Errorf("call cost %.4f exceeds ceiling %.4f", result.Cost.Amount, c.BudgetCeiling))
				result.Report = inv.report(target, result, failure)
				return result, failure
			}
			return result, nil
		}

		lastErr = err
		kind := Classify(err)
		if kind != schema.FailureTransient || attempt == inv.retry.MaxRetries {
			break
		}

		backoff := inv.retry.Backoff(attempt)
		inv.logger.Debug().
			Str("adapter", target.Adapter.Name()).
			Str("model", target.Model).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient provider error, retrying")
		if err := inv.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	failure := asFailure(lastErr)
	result.Report = inv.report(target, result, failure)
	return result, failure
}

func (inv *Invoker) generate(ctx context.Context, a Adapter, req Request, timeout time.Duration) (*Response, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := a.Generate(callCtx, req)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		return nil, NewFailure(schema.FailureTimeout, fmt.Errorf("call exceeded %s: %w", timeout, err))
	}
	if err == nil && resp == nil {
		return nil, NewFailure(schema.FailureModelError, ErrEmptyOutput)
	}
	return resp, err
}

func (inv *Invoker) report(target Target, result *Result, failure *Failure) CallReport {
	report := CallReport{
		Adapter: target.Adapter.Name(),
		Model:   target.Model,
		Usage:   result.Usage,
		Cost:    result.Cost,
		Retries: result.Retries,
		Latency: result.Latency,
	}
	if report.Cost.Currency == "" {
		report.Cost.Currency = "USD"
	}
	if failure != nil {
		report.Error = failure.Error()
		report.Failure = string(failure.Kind)
	}
	return report
}

func asFailure(err error) *Failure {
	if err == nil {
		err = fmt.Errorf("adapter call failed")
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return NewFailure(Classify(err), err)
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
