package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/config"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/schema"
)

const workflowYAML = `name: cli
input: "the tides"
steps:
  - id: plan
    role: planner
    input: "Plan an essay on {{ .Input }}"
  - id: write
    role: executor
    input: "Write it:\n{{ .Steps.plan }}"
    depends_on: [plan]
`

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeTestFile(t, path, "profiles:\n  - provider: mock\n    model: mock-1\n")
	pc, err := config.LoadProvidersConfig(path)
	if err != nil {
		t.Fatalf("load providers: %v", err)
	}
	return &config.Config{Providers: pc, ConfigDir: t.TempDir()}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildStackRunsWorkflowWithFileLedger(t *testing.T) {
	cfg := mockConfig(t)
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")

	ctx := context.Background()
	s, err := buildStack(ctx, cfg, zerolog.Nop(), stackOptions{ledgerDriver: "file", ledgerPath: ledgerPath})
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}

	wf := &schema.Workflow{Name: "one", Steps: []*schema.Step{{ID: "a", Role: schema.RoleExecutor, Input: "hello"}}}
	workflowDefaults(cfg.Providers.Orchestration)(wf)
	if wf.Strategy != "standard" {
		t.Fatalf("expected default strategy, got %q", wf.Strategy)
	}

	snap, err := s.orch.Execute(ctx, wf)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Workflow.State != schema.WorkflowSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", snap.Workflow.State)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := ledger.ReadFile(ledgerPath, snap.Workflow.ID)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != ledger.EventStateChange {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestBuildStackRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := mockConfig(t)
	cfg.Providers.Ledger = config.LedgerConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr(), StreamPrefix: "test:ledger:"}
	cfg.Providers.State = config.StateConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr(), TTL: cfg.Providers.State.TTL}

	ctx := context.Background()
	s, err := buildStack(ctx, cfg, zerolog.Nop(), stackOptions{})
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	defer s.Close()

	snap, err := s.orch.Execute(ctx, &schema.Workflow{Name: "r", Steps: []*schema.Step{{ID: "a", Role: schema.RoleExecutor, Input: "x"}}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	ids, err := s.store.List(ctx)
	if err != nil || len(ids) != 1 || ids[0] != snap.Workflow.ID {
		t.Fatalf("expected persisted snapshot, got %v (%v)", ids, err)
	}
	events, err := s.ledger.Read(ctx, snap.Workflow.ID)
	if err != nil || len(events) == 0 {
		t.Fatalf("expected stream events, got %d (%v)", len(events), err)
	}
	if !mr.Exists("test:ledger:" + snap.Workflow.ID) {
		t.Fatalf("expected ledger stream under configured prefix")
	}
}

func TestBuildStackRequiresProfiles(t *testing.T) {
	cfg := &config.Config{Providers: config.DefaultProvidersConfig(), ConfigDir: t.TempDir()}
	if _, err := buildStack(context.Background(), cfg, zerolog.Nop(), stackOptions{}); err == nil {
		t.Fatalf("expected error without API keys")
	}
}

func TestRunAndHistoryCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	providers := filepath.Join(dir, "providers.yaml")
	writeTestFile(t, providers, "profiles:\n  - provider: mock\n    model: mock-1\n")
	manifest := filepath.Join(dir, "workflow.yaml")
	writeTestFile(t, manifest, workflowYAML)
	ledgerPath := filepath.Join(dir, "ledger.jsonl")

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "--config", providers, "--log-level", "error", "-f", manifest, "--ledger", "file", "--ledger-file", ledgerPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "SUCCEEDED") || !strings.Contains(out.String(), "mock/mock-1") {
		t.Fatalf("unexpected run output:\n%s", out.String())
	}

	root = rootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"history", "--ledger-file", ledgerPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"state_change", "step_result", "PENDING -> RUNNING"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("history missing %q:\n%s", want, out.String())
		}
	}
}

func TestValidateCommand(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "workflow.yaml")
	writeTestFile(t, manifest, workflowYAML)

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", manifest})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "plan -> write") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestServedRoles(t *testing.T) {
	table := schema.DefaultRoleTable().Merge(schema.RoleTable{
		schema.RoleVerifier: {AllowedProviders: []string{"anthropic"}},
	})
	p := config.ProfileConfig{Provider: "openai", Model: "m", Roles: []schema.Role{schema.RoleVerifier, schema.RoleExecutor}}
	if got := servedRoles(p, table); got != "executor" {
		t.Fatalf("expected executor, got %q", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := newLogger("DEBUG"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
