package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/schema"
)

const (
	reliabilityGain    = 0.01
	reliabilityPenalty = 0.05
	emaKeep            = 0.9
	emaSample          = 0.1
)

// ProviderProfile describes one provider/model pair and its running statistics.
type ProviderProfile struct {
	ID          string          `json:"id" yaml:"id"`
	Provider    string          `json:"provider" yaml:"provider"`
	Model       string          `json:"model" yaml:"model"`
	Roles       []schema.Role   `json:"roles,omitempty" yaml:"roles,omitempty"`
	Reliability float64         `json:"reliability" yaml:"reliability"`
	AvgLatency  time.Duration   `json:"avg_latency" yaml:"avg_latency"`
	AvgCost     float64         `json:"avg_cost" yaml:"avg_cost"`
	Calls       int             `json:"calls" yaml:"calls"`
	Failures    int             `json:"failures" yaml:"failures"`
	Pricing     adapter.Pricing `json:"pricing" yaml:"pricing"`
}

// ProfileID builds the canonical profile identifier.
func ProfileID(provider, model string) string {
	return provider + "/" + model
}

// Supports reports whether the profile is tagged for role. Untagged profiles serve every role.
func (p ProviderProfile) Supports(role schema.Role) bool {
	if len(p.Roles) == 0 {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Outcome is one observed invocation of a profile.
type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
}

// Registry holds provider profiles and their adapters. Statistics are
// mutated under a single lock so concurrent steps never lose updates.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*ProviderProfile
	adapters map[string]adapter.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*ProviderProfile),
		adapters: make(map[string]adapter.Adapter),
	}
}

// Register adds a profile backed by a. A zero reliability starts at 1.0.
func (r *Registry) Register(p ProviderProfile, a adapter.Adapter) error {
	if p.Provider == "" || p.Model == "" {
		return fmt.Errorf("profile requires provider and model")
	}
	if a == nil {
		return fmt.Errorf("profile %s: adapter is nil", ProfileID(p.Provider, p.Model))
	}
	if p.ID == "" {
		p.ID = ProfileID(p.Provider, p.Model)
	}
	if p.Reliability <= 0 {
		p.Reliability = 1.0
	}
	p.Reliability = clamp(p.Reliability)
	p.Roles = append([]schema.Role(nil), p.Roles...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.ID]; exists {
		return fmt.Errorf("profile %s already registered", p.ID)
	}
	r.profiles[p.ID] = &p
	r.adapters[p.Provider] = a
	return nil
}

// Adapter returns the adapter serving provider.
func (r *Registry) Adapter(provider string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Profile returns a copy of the profile with id.
func (r *Registry) Profile(id string) (ProviderProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return ProviderProfile{}, false
	}
	return copyProfile(p), true
}

// Snapshot returns copies of every profile ordered by id.
func (r *Registry) Snapshot() []ProviderProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, copyProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordOutcome folds an invocation into the profile's statistics.
func (r *Registry) RecordOutcome(id string, o Outcome) (ProviderProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return ProviderProfile{}, fmt.Errorf("unknown profile %s", id)
	}
	if o.Success {
		p.Reliability = clamp(p.Reliability + reliabilityGain)
	} else {
		p.Reliability = clamp(p.Reliability - reliabilityPenalty)
		p.Failures++
	}
	p.AvgLatency = time.Duration(float64(p.AvgLatency)*emaKeep + float64(o.Latency)*emaSample)
	p.AvgCost = p.AvgCost*emaKeep + o.Cost*emaSample
	p.Calls++
	return copyProfile(p), nil
}

func copyProfile(p *ProviderProfile) ProviderProfile {
	cp := *p
	cp.Roles = append([]schema.Role(nil), p.Roles...)
	return cp
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
