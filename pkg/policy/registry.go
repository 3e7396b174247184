package policy

import (
	"fmt"
	"sort"
)

// Default strategy identifiers.
const (
	StrategyStandard         = "standard"
	StrategyHighVerification = "high_verification"
	StrategyConservative     = "conservative"
)

// Strategy is a named verification policy.
type Strategy struct {
	ID                  string  `yaml:"id" json:"id"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	// AlwaysVerify cross-checks every output regardless of confidence.
	AlwaysVerify bool `yaml:"always_verify,omitempty" json:"always_verify,omitempty"`
}

type Registry struct {
	policies map[string]Strategy
	fallback string
}

func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]Strategy),
		fallback: StrategyStandard,
	}

	r.Register(Strategy{ID: StrategyStandard, ConfidenceThreshold: 0.75})
	r.Register(Strategy{ID: StrategyHighVerification, ConfidenceThreshold: 0.85, AlwaysVerify: true})
	r.Register(Strategy{ID: StrategyConservative, ConfidenceThreshold: 0.9})

	return r
}

func (r *Registry) Register(s Strategy) {
	r.policies[s.ID] = s
}

func (r *Registry) Get(id string) (Strategy, error) {
	s, ok := r.policies[id]
	if !ok {
		return Strategy{}, fmt.Errorf("strategy not found: %s", id)
	}
	return s, nil
}

// Lookup returns the strategy for id, or the standard strategy when id is
// empty or unknown.
func (r *Registry) Lookup(id string) Strategy {
	if s, ok := r.policies[id]; ok {
		return s
	}
	return r.policies[r.fallback]
}

// IDs returns the registered strategy ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Threshold resolves the confidence a step must reach. An explicit workflow
// threshold wins over the strategy's; the role minimum is a floor either way.
func Threshold(workflowThreshold float64, s Strategy, roleMin float64) float64 {
	t := s.ConfidenceThreshold
	if workflowThreshold > 0 {
		t = workflowThreshold
	}
	if roleMin > t {
		t = roleMin
	}
	return t
}
