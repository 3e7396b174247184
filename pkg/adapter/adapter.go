package adapter

import (
	"context"
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a request to the model and returns its raw response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response wraps an adapter output and optional usage data.
type Response struct {
	Text  string
	Model string
	Usage *Usage
	// Confidence is set only by providers that report one.
	Confidence *float64
}

const defaultMaxTokens = 4096

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}
