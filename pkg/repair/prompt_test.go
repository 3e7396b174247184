package repair

import (
	"strings"
	"testing"

	"github.com/zen-systems/autoos/pkg/schema"
)

func TestGenerateMutationPromptDecomposes(t *testing.T) {
	prompt := GenerateMutationPrompt("write a parser", StrategyDecompose, schema.FailureTimeout, "half a parser")
	if !strings.Contains(prompt, "sub-tasks") {
		t.Fatalf("missing decomposition instruction")
	}
	if !strings.Contains(prompt, "TIMEOUT") {
		t.Fatalf("missing failure kind")
	}
	if !strings.Contains(prompt, "do NOT repeat it") || !strings.Contains(prompt, "half a parser") {
		t.Fatalf("missing previous output")
	}
}

func TestChooseStrategy(t *testing.T) {
	if ChooseStrategy(schema.FailureHallucination) != StrategyReframe {
		t.Fatalf("hallucinations should reframe")
	}
	if ChooseStrategy(schema.FailureModelError) != StrategyDecompose {
		t.Fatalf("model errors should decompose")
	}
	prompt := GenerateMutationPrompt("capital of France", StrategyReframe, schema.FailureHallucination, "")
	if !strings.Contains(prompt, "cannot be determined") || strings.Contains(prompt, "Previous output") {
		t.Fatalf("unexpected reframe prompt: %s", prompt)
	}
}

func TestGenerateRepairPromptListsDiagnostics(t *testing.T) {
	prompt := GenerateRepairPrompt("task", "bad", "line one\nline two")
	if !strings.Contains(prompt, "- line one\n- line two") {
		t.Fatalf("diagnostics not listed: %s", prompt)
	}
}
