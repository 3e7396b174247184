package router

import (
	"time"

	"github.com/zen-systems/autoos/pkg/schema"
)

// Candidate captures one profile considered during selection.
type Candidate struct {
	ID          string        `json:"id"`
	Provider    string        `json:"provider"`
	Reliability float64       `json:"reliability"`
	AvgLatency  time.Duration `json:"avg_latency"`
	AvgCost     float64       `json:"avg_cost"`
	Rejected    string        `json:"rejected,omitempty"`
}

// Decision captures routing decision details.
type Decision struct {
	Role       schema.Role `json:"role"`
	Budget     float64     `json:"budget_remaining"`
	Exclude    []string    `json:"exclude,omitempty"`
	Selected   string      `json:"selected,omitempty"`
	Reasons    []string    `json:"reasons,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}
