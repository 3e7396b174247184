package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/autoos/pkg/schema"
)

// Mutation strategies applied at the strategy-mutation level.
const (
	StrategyDecompose = "decompose"
	StrategyReframe   = "reframe"
)

// ChooseStrategy picks the mutation for the failure that led to the mutation level.
func ChooseStrategy(kind schema.FailureKind) string {
	if kind == schema.FailureHallucination {
		return StrategyReframe
	}
	return StrategyDecompose
}

// GenerateMutationPrompt rewrites a task so the next attempt approaches it differently.
func GenerateMutationPrompt(task string, strategy string, kind schema.FailureKind, previous string) string {
	var sb strings.Builder

	switch strategy {
	case StrategyReframe:
		sb.WriteString("Earlier answers to this task were inconsistent across independent models.\n")
		sb.WriteString("Restate the task in your own words, list the facts you are certain of, ")
		sb.WriteString("and answer using only those facts. Say explicitly what cannot be determined.\n\n")
	default:
		sb.WriteString("Earlier attempts at this task failed")
		if kind != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", kind))
		}
		sb.WriteString(".\nBreak the task into small numbered sub-tasks, solve each one in order, ")
		sb.WriteString("then combine the partial results into a final answer.\n\n")
	}

	sb.WriteString("Task:\n---\n")
	sb.WriteString(task)
	sb.WriteString("\n---\n")

	if previous != "" {
		sb.WriteString("\nPrevious output (do NOT repeat it):\n---\n")
		sb.WriteString(previous)
		sb.WriteString("\n---\n")
	}

	return sb.String()
}

// GenerateRepairPrompt asks for a corrected answer after a tool rejected the output.
func GenerateRepairPrompt(task string, previous string, diagnostics string) string {
	var sb strings.Builder

	sb.WriteString("The following output failed checks:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(previous)
	sb.WriteString("\n---\n\n")

	if diagnostics != "" {
		sb.WriteString("Issues found:\n")
		for _, line := range strings.Split(strings.TrimSpace(diagnostics), "\n") {
			sb.WriteString(fmt.Sprintf("- %s\n", line))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Original task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nPlease fix all issues and provide the corrected output.")

	return sb.String()
}
