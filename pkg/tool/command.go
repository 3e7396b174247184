// Package tool runs local commands over a step's model output.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zen-systems/autoos/pkg/schema"
)

const defaultTimeout = 2 * time.Minute

// Diagnostics captures execution details for a tool run.
type Diagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Summary is a short human-readable description of a failed run.
func (d *Diagnostics) Summary() string {
	msg := fmt.Sprintf("%s exited with status %d", strings.Join(d.Command, " "), d.ExitCode)
	if s := strings.TrimSpace(d.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Result is the outcome of a tool run.
type Result struct {
	Passed      bool
	Output      string
	Diagnostics *Diagnostics
}

// Runner executes step tools. The model output is passed on stdin; on success
// the tool's stdout, when non-empty, replaces the step result.
type Runner struct {
	policy *Policy
}

// NewRunner creates a runner constrained by policy (nil denies every command).
func NewRunner(policy *Policy) *Runner {
	return &Runner{policy: policy}
}

// Run executes spec with input on stdin.
func (r *Runner) Run(ctx context.Context, spec *schema.ToolSpec, input string) (*Result, error) {
	if spec == nil || len(spec.Command) == 0 {
		return nil, fmt.Errorf("tool requires a command")
	}
	if err := r.policy.Check(spec.Command, spec.Workdir); err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	cmd.Stdin = strings.NewReader(input)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	diag := &Diagnostics{
		Command:  append([]string{}, spec.Command...),
		Workdir:  spec.Workdir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if ctx.Err() == context.DeadlineExceeded {
		diag.ExitCode = -1
		diag.Stderr += fmt.Sprintf("\ntool timed out after %s", timeout)
		return &Result{Passed: false, Diagnostics: diag}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("tool %s failed to run: %w", spec.Command[0], err)
		}
		diag.ExitCode = exitErr.ExitCode()
	}

	res := &Result{Passed: diag.ExitCode == 0, Output: input, Diagnostics: diag}
	if res.Passed && strings.TrimSpace(diag.Stdout) != "" {
		res.Output = diag.Stdout
	}
	return res, nil
}
