// Package metrics exposes orchestration metrics. Sinks never fail the caller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zen-systems/autoos/pkg/schema"
)

// Call describes one provider invocation.
type Call struct {
	Provider   string
	Model      string
	Role       schema.Role
	Failure    schema.FailureKind
	Latency    time.Duration
	Tokens     int
	Cost       float64
	Confidence float64
}

// Sink receives orchestration measurements.
type Sink interface {
	WorkflowFinished(state schema.WorkflowState, duration time.Duration, cost float64)
	LLMCall(c Call)
	ToolExecution(name string, passed bool, duration time.Duration)
	Failure(kind schema.FailureKind, component string)
	RecoveryAttempt(action schema.RecoveryAction)
	RecoverySuccess(level schema.RecoveryLevel)
	Reliability(profileID string, value float64)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) WorkflowFinished(schema.WorkflowState, time.Duration, float64) {}
func (Nop) LLMCall(Call)                                                  {}
func (Nop) ToolExecution(string, bool, time.Duration)                     {}
func (Nop) Failure(schema.FailureKind, string)                            {}
func (Nop) RecoveryAttempt(schema.RecoveryAction)                         {}
func (Nop) RecoverySuccess(schema.RecoveryLevel)                          {}
func (Nop) Reliability(string, float64)                                   {}

// Prometheus records measurements as Prometheus collectors.
type Prometheus struct {
	registry *prometheus.Registry

	workflowTotal    *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	workflowCost     prometheus.Histogram
	llmCalls         *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
	llmTokens        *prometheus.CounterVec
	llmCost          *prometheus.CounterVec
	llmConfidence    *prometheus.HistogramVec
	toolExecutions   *prometheus.CounterVec
	toolDuration     prometheus.Histogram
	failures         *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	recoverySuccess  *prometheus.CounterVec
	reliability      *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them on a dedicated registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		workflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_workflow_total",
			Help: "Workflows finished, by terminal state",
		}, []string{"state"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoos_workflow_duration_seconds",
			Help:    "Workflow wall-clock duration",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		workflowCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoos_workflow_cost_dollars",
			Help:    "Accumulated workflow cost",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_llm_calls_total",
			Help: "Provider invocations",
		}, []string{"provider", "model", "role", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoos_llm_latency_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_llm_tokens_total",
			Help: "Tokens consumed",
		}, []string{"provider", "model"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_llm_cost_dollars_total",
			Help: "Estimated provider spend",
		}, []string{"provider", "model"}),
		llmConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoos_llm_confidence",
			Help:    "Confidence of successful provider outputs",
			Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 1},
		}, []string{"role"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_tool_executions_total",
			Help: "Step tool runs",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoos_tool_duration_seconds",
			Help:    "Step tool duration",
			Buckets: prometheus.DefBuckets,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_failures_total",
			Help: "Classified failures",
		}, []string{"kind", "component"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_recovery_attempts_total",
			Help: "Recovery decisions taken",
		}, []string{"action"}),
		recoverySuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoos_recovery_success_total",
			Help: "Steps that succeeded after escalation, by level",
		}, []string{"level"}),
		reliability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoos_provider_reliability",
			Help: "Current provider profile reliability",
		}, []string{"profile"}),
	}
	p.registry.MustRegister(
		p.workflowTotal, p.workflowDuration, p.workflowCost,
		p.llmCalls, p.llmLatency, p.llmTokens, p.llmCost, p.llmConfidence,
		p.toolExecutions, p.toolDuration,
		p.failures, p.recoveryAttempts, p.recoverySuccess, p.reliability,
	)
	return p
}

// Registry returns the registry holding the collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) WorkflowFinished(state schema.WorkflowState, duration time.Duration, cost float64) {
	p.workflowTotal.WithLabelValues(string(state)).Inc()
	p.workflowDuration.Observe(duration.Seconds())
	p.workflowCost.Observe(cost)
}

func (p *Prometheus) LLMCall(c Call) {
	status := "success"
	if c.Failure != "" {
		status = string(c.Failure)
	}
	p.llmCalls.WithLabelValues(c.Provider, c.Model, string(c.Role), status).Inc()
	p.llmLatency.WithLabelValues(c.Provider).Observe(c.Latency.Seconds())
	if c.Tokens > 0 {
		p.llmTokens.WithLabelValues(c.Provider, c.Model).Add(float64(c.Tokens))
	}
	if c.Cost > 0 {
		p.llmCost.WithLabelValues(c.Provider, c.Model).Add(c.Cost)
	}
	if c.Failure == "" {
		p.llmConfidence.WithLabelValues(string(c.Role)).Observe(c.Confidence)
	}
}

func (p *Prometheus) ToolExecution(name string, passed bool, duration time.Duration) {
	status := "passed"
	if !passed {
		status = "failed"
	}
	p.toolExecutions.WithLabelValues(name, status).Inc()
	p.toolDuration.Observe(duration.Seconds())
}

func (p *Prometheus) Failure(kind schema.FailureKind, component string) {
	p.failures.WithLabelValues(string(kind), component).Inc()
}

func (p *Prometheus) RecoveryAttempt(action schema.RecoveryAction) {
	p.recoveryAttempts.WithLabelValues(string(action)).Inc()
}

func (p *Prometheus) RecoverySuccess(level schema.RecoveryLevel) {
	p.recoverySuccess.WithLabelValues(string(level.Action())).Inc()
}

func (p *Prometheus) Reliability(profileID string, value float64) {
	p.reliability.WithLabelValues(profileID).Set(value)
}

var (
	_ Sink = Nop{}
	_ Sink = (*Prometheus)(nil)
)
