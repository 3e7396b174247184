package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/autoos/pkg/schema"
)

func noSleep(calls *[]time.Duration) InvokerOption {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return nil
	})
}

func TestInvokeRetriesTransientTwice(t *testing.T) {
	mock := NewNamedMock("openai", "gpt-4o").Enqueue(
		MockReply{Err: &AdapterError{Status: 429, Err: fmt.Errorf("rate limit")}},
		MockReply{Err: &AdapterError{Status: 503, Err: fmt.Errorf("unavailable")}},
		MockReply{Text: "ok", Usage: &Usage{PromptTokens: 1000, CompletionTokens: 500}},
	)
	var waits []time.Duration
	inv := NewInvoker(noSleep(&waits))

	res, err := inv.Invoke(context.Background(), Target{
		Adapter: mock,
		Model:   "gpt-4o",
		Pricing: Pricing{PromptPer1K: 0.01, CompletionPer1K: 0.02},
	}, Request{Prompt: "hi"}, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
	assert.InDelta(t, 0.02, res.Cost.Amount, 1e-9)
	assert.Equal(t, 1500, res.Usage.TotalTokens)
}

func TestInvokeReportsTransientAfterRetriesExhausted(t *testing.T) {
	rate := &AdapterError{Status: 429, Err: fmt.Errorf("rate limit")}
	mock := NewNamedMock("openai").Enqueue(MockReply{Err: rate}, MockReply{Err: rate}, MockReply{Err: rate}, MockReply{Text: "late"})
	var waits []time.Duration
	inv := NewInvoker(noSleep(&waits))

	res, err := inv.Invoke(context.Background(), Target{Adapter: mock, Model: "openai-1"}, Request{Prompt: "hi"}, Constraints{})
	require.Error(t, err)
	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, schema.FailureTransient, failure.Kind)
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, "TRANSIENT", res.Report.Failure)
}

func TestInvokeDoesNotRetryModelErrors(t *testing.T) {
	mock := NewNamedMock("anthropic").Enqueue(MockReply{Err: &AdapterError{Status: 400, Err: fmt.Errorf("bad request")}})
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), Target{Adapter: mock, Model: "m"}, Request{Prompt: "hi"}, Constraints{})
	require.Error(t, err)
	assert.Equal(t, schema.FailureModelError, Classify(err))
	assert.Equal(t, 1, mock.Calls())
}

func TestInvokeClassifiesTimeout(t *testing.T) {
	mock := NewNamedMock("google").Enqueue(MockReply{Text: "slow", Delay: time.Second})
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), Target{Adapter: mock, Model: "m"}, Request{Prompt: "hi"}, Constraints{Timeout: 10 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, schema.FailureTimeout, Classify(err))
	assert.Equal(t, 1, mock.Calls())
}

func TestInvokeEmptyOutputIsModelError(t *testing.T) {
	mock := NewNamedMock("openai").Enqueue(MockReply{Text: "   "})
	_, err := NewInvoker().Invoke(context.Background(), Target{Adapter: mock, Model: "m"}, Request{Prompt: "hi"}, Constraints{})
	require.Error(t, err)
	assert.Equal(t, schema.FailureModelError, Classify(err))
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestInvokeBudgetCeiling(t *testing.T) {
	mock := NewNamedMock("openai").Enqueue(MockReply{Text: "ok", Usage: &Usage{PromptTokens: 10000}})
	res, err := NewInvoker().Invoke(context.Background(), Target{
		Adapter: mock, Model: "m", Pricing: Pricing{PromptPer1K: 1},
	}, Request{Prompt: "hi"}, Constraints{BudgetCeiling: 5})
	require.Error(t, err)
	assert.Equal(t, schema.FailureBudgetExceeded, Classify(err))
	assert.InDelta(t, 10.0, res.Cost.Amount, 1e-9)
}

func TestInvokePassesConstraintsAndReportedConfidence(t *testing.T) {
	mock := NewNamedMock("openai").Enqueue(MockReply{Text: "ok", Confidence: Confidence(0.42)})
	res, err := NewInvoker().Invoke(context.Background(), Target{Adapter: mock, Model: "gpt-4o"},
		Request{System: "sys", Prompt: "hi"}, Constraints{MaxTokens: 256})
	require.NoError(t, err)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.42, *res.Confidence, 1e-9)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 256, reqs[0].MaxTokens)
	assert.Equal(t, "gpt-4o", reqs[0].Model)
	assert.Equal(t, "sys", reqs[0].System)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want schema.FailureKind
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, schema.FailureTimeout},
		{"rate limit", &AdapterError{Status: 429}, schema.FailureTransient},
		{"server error", &AdapterError{Status: 502}, schema.FailureTransient},
		{"temporary", &AdapterError{Temporary: true}, schema.FailureTransient},
		{"client error", &AdapterError{Status: 401}, schema.FailureModelError},
		{"classified", NewFailure(schema.FailureToolError, fmt.Errorf("x")), schema.FailureToolError},
		{"wrapped classified", fmt.Errorf("wrap: %w", NewFailure(schema.FailureHallucination, nil)), schema.FailureHallucination},
		{"plain", fmt.Errorf("boom"), schema.FailureModelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, time.Second, ComputeBackoff(time.Second, 2, 0, 0))
	assert.Equal(t, 4*time.Second, ComputeBackoff(time.Second, 2, 0, 2))
	assert.Equal(t, 3*time.Second, ComputeBackoff(time.Second, 2, 3*time.Second, 5))
}

func TestDeepSeekStatusErrorsAreClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key")
	require.NoError(t, err)
	a.WithBaseURL(srv.URL)

	_, err = a.Generate(context.Background(), Request{Model: "deepseek-chat", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, schema.FailureTransient, Classify(err))
}

func TestDeepSeekParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key")
	require.NoError(t, err)
	resp, err := a.WithBaseURL(srv.URL).Generate(context.Background(), Request{Model: "deepseek-chat", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}
