package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/zen-systems/autoos/pkg/schema"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Failure is a classified invocation failure. Provider-specific errors never
// leave the adapter layer without one.
type Failure struct {
	Kind schema.FailureKind
	Err  error
}

// NewFailure wraps err with a classification.
func NewFailure(kind schema.FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ErrEmptyOutput is returned when a provider answers with no text.
var ErrEmptyOutput = errors.New("provider returned empty output")

// IsTransient reports whether an error is safe to retry inside the adapter.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status == 429 || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) schema.FailureKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTimeout
	}
	if IsTransient(err) {
		return schema.FailureTransient
	}
	return schema.FailureModelError
}

func statusError(status int, err error) error {
	if status == 0 {
		return err
	}
	return &AdapterError{Status: status, Err: err}
}
