package adapter

import "time"

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost captures normalized cost estimates.
type Cost struct {
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	IsEstimate   bool    `json:"is_estimate"`
	PricingModel string  `json:"pricing_model,omitempty"`
}

// Pricing defines per-1k token pricing for a model.
type Pricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty" json:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty" json:"completion_per_1k,omitempty"`
}

// CallReport captures adapter call metadata.
type CallReport struct {
	Adapter  string        `json:"adapter"`
	Model    string        `json:"model"`
	Usage    Usage         `json:"usage"`
	Cost     Cost          `json:"cost"`
	Retries  int           `json:"retries"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
	Failure  string        `json:"failure,omitempty"`
	Verifier bool          `json:"verifier,omitempty"`
}

func normalizeUsage(u *Usage) Usage {
	if u == nil {
		return Usage{}
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// EstimateCost prices usage with per-1k token rates.
func EstimateCost(p Pricing, usage Usage) Cost {
	promptCost := (float64(usage.PromptTokens) / 1000.0) * p.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * p.CompletionPer1K
	return Cost{
		Currency:     "USD",
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}
}
