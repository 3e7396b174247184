package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockReply is one scripted answer of a MockAdapter.
type MockReply struct {
	Text       string
	Err        error
	Confidence *float64
	Usage      *Usage
	Delay      time.Duration
}

// MockAdapter returns deterministic responses for local runs and tests.
// Scripted replies are consumed in order; afterwards the responder (if any)
// or the default echo response is used.
type MockAdapter struct {
	name            string
	models          []string
	responses       map[string]string
	defaultResponse string
	Usage           *Usage

	mu        sync.Mutex
	script    []MockReply
	responder func(Request) MockReply
	requests  []Request
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewNamedMock("mock", "mock-1")
}

// NewNamedMock creates a mock adapter that reports the given provider name.
func NewNamedMock(name string, models ...string) *MockAdapter {
	if len(models) == 0 {
		models = []string{name + "-1"}
	}
	return &MockAdapter{
		name:            name,
		models:          models,
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	m := NewMockAdapter()
	if defaultResponse != "" {
		m.defaultResponse = defaultResponse
	}
	m.responses = responses
	return m
}

// Enqueue appends scripted replies.
func (a *MockAdapter) Enqueue(replies ...MockReply) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, replies...)
	return a
}

// WithResponder sets a function answering every unscripted request.
func (a *MockAdapter) WithResponder(fn func(Request) MockReply) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responder = fn
	return a
}

// Calls returns the number of Generate calls received.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Requests returns a copy of the received requests.
func (a *MockAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return append([]string(nil), a.models...)
}

// Generate returns the next scripted reply or a deterministic echo.
func (a *MockAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" && len(a.models) > 0 {
		req.Model = a.models[0]
	}
	reply := a.next(req)

	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	usage := reply.Usage
	if usage == nil {
		usage = a.Usage
	}
	return &Response{Text: reply.Text, Model: req.Model, Usage: usage, Confidence: reply.Confidence}, nil
}

func (a *MockAdapter) next(req Request) MockReply {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)

	if len(a.script) > 0 {
		reply := a.script[0]
		a.script = a.script[1:]
		return reply
	}
	if a.responder != nil {
		return a.responder(req)
	}
	if response, ok := a.responses[req.Prompt]; ok {
		return MockReply{Text: response}
	}
	return MockReply{Text: fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)}
}

// Confidence is a helper for scripting reported confidence values.
func Confidence(v float64) *float64 {
	return &v
}
