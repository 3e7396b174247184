package tool

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/autoos/pkg/schema"
)

var shellRunner = NewRunner(&Policy{AllowedExecs: []string{"sh"}})

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunnerCapturesFailure(t *testing.T) {
	requireShell(t)

	res, err := shellRunner.Run(context.Background(), &schema.ToolSpec{
		Command: []string{"sh", "-c", "cat; echo err 1>&2; exit 3"},
	}, "model output")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if res.Diagnostics.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.Diagnostics.ExitCode)
	}
	if res.Diagnostics.Stdout != "model output" || !strings.Contains(res.Diagnostics.Summary(), "err") {
		t.Fatalf("unexpected diagnostics: %+v", res.Diagnostics)
	}
}

func TestRunnerReplacesOutputOnSuccess(t *testing.T) {
	requireShell(t)

	res, err := shellRunner.Run(context.Background(), &schema.ToolSpec{
		Command: []string{"sh", "-c", "tr a-z A-Z"},
	}, "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.Output != "HELLO" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunnerTimeout(t *testing.T) {
	requireShell(t)

	res, err := shellRunner.Run(context.Background(), &schema.ToolSpec{
		Command: []string{"sh", "-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || !strings.Contains(res.Diagnostics.Stderr, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res.Diagnostics)
	}
}

func TestPolicy(t *testing.T) {
	p := &Policy{AllowedExecs: []string{"go"}, Root: t.TempDir()}
	if err := p.Check([]string{"go", "vet"}, "sub"); err != nil {
		t.Fatalf("expected allowed: %v", err)
	}
	if err := p.Check([]string{"rm", "-rf"}, ""); err == nil {
		t.Fatalf("expected exec rejection")
	}
	if err := p.Check([]string{"go"}, "../outside"); err == nil {
		t.Fatalf("expected workdir rejection")
	}
	if _, err := NewRunner(p).Run(context.Background(), &schema.ToolSpec{Command: []string{"rm"}}, ""); err == nil {
		t.Fatalf("runner should enforce policy")
	}
}

func TestPolicyDeniesByDefault(t *testing.T) {
	for _, p := range []*Policy{nil, {}, {Root: t.TempDir()}} {
		if err := p.Check([]string{"sh", "-c", "true"}, ""); !errors.Is(err, ErrToolsDisabled) {
			t.Fatalf("policy %+v: expected tools disabled, got %v", p, err)
		}
	}

	marker := filepath.Join(t.TempDir(), "ran")
	res, err := NewRunner(nil).Run(context.Background(), &schema.ToolSpec{
		Command: []string{"sh", "-c", "touch " + marker},
	}, "")
	if !errors.Is(err, ErrToolsDisabled) || res != nil {
		t.Fatalf("expected default runner to refuse, got %+v, %v", res, err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("default runner executed the command")
	}
}
