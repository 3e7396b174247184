package router

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/schema"
)

// ErrNoProviderAvailable is returned when no profile satisfies a selection.
var ErrNoProviderAvailable = errors.New("no provider available")

// Unlimited disables the budget filter of Select.
const Unlimited = math.MaxFloat64

// Router picks provider profiles for steps.
type Router struct {
	registry *Registry
	roles    schema.RoleTable
	logger   zerolog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRoleTable sets the role table whose allow-lists constrain selection.
func WithRoleTable(t schema.RoleTable) RouterOption {
	return func(r *Router) {
		r.roles = t
	}
}

// WithLogger sets the router logger.
func WithLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		roles:    schema.DefaultRoleTable(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the router selects from.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Select returns the best profile for role that fits budgetRemaining and is
// not excluded. Exclusions match a provider name or a profile id.
func (r *Router) Select(role schema.Role, budgetRemaining float64, exclude []string) (ProviderProfile, error) {
	p, _, err := r.SelectWithDecision(role, budgetRemaining, exclude)
	return p, err
}

// SelectWithDecision is Select plus the candidate trace.
func (r *Router) SelectWithDecision(role schema.Role, budgetRemaining float64, exclude []string) (ProviderProfile, *Decision, error) {
	spec := r.roles.Spec(role)
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	decision := &Decision{Role: role, Budget: budgetRemaining, Exclude: append([]string(nil), exclude...)}
	var eligible []ProviderProfile
	for _, p := range r.registry.Snapshot() {
		c := Candidate{ID: p.ID, Provider: p.Provider, Reliability: p.Reliability, AvgLatency: p.AvgLatency, AvgCost: p.AvgCost}
		switch {
		case !p.Supports(role):
			c.Rejected = "role not supported"
		case !spec.Allows(p.Provider):
			c.Rejected = "provider not allowed for role"
		case excluded[p.Provider] || excluded[p.ID]:
			c.Rejected = "excluded"
		case p.AvgCost > budgetRemaining:
			c.Rejected = fmt.Sprintf("average cost %.4f exceeds remaining budget", p.AvgCost)
		default:
			eligible = append(eligible, p)
		}
		decision.Candidates = append(decision.Candidates, c)
	}

	if len(eligible) == 0 {
		decision.Reasons = append(decision.Reasons, "no eligible candidates")
		r.logger.Debug().Str("role", string(role)).Strs("exclude", exclude).Msg("no provider available")
		return ProviderProfile{}, decision, fmt.Errorf("%w for role %s", ErrNoProviderAvailable, role)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		if a.AvgLatency != b.AvgLatency {
			return a.AvgLatency < b.AvgLatency
		}
		return a.ID < b.ID
	})

	chosen := eligible[0]
	decision.Selected = chosen.ID
	decision.Reasons = append(decision.Reasons,
		fmt.Sprintf("highest reliability %.3f among %d eligible", chosen.Reliability, len(eligible)))
	r.logger.Debug().
		Str("role", string(role)).
		Str("provider", chosen.Provider).
		Str("model", chosen.Model).
		Float64("reliability", chosen.Reliability).
		Msg("provider selected")
	return chosen, decision, nil
}
