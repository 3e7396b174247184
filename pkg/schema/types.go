package schema

import (
	"fmt"
	"strings"
	"time"
)

// Role is the functional purpose of a step.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleExecutor    Role = "executor"
	RoleVerifier    Role = "verifier"
	RoleAuditor     Role = "auditor"
	RoleSynthesizer Role = "synthesizer"
)

// Roles lists every role in a stable order.
var Roles = []Role{RolePlanner, RoleExecutor, RoleVerifier, RoleAuditor, RoleSynthesizer}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole converts a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

type WorkflowState string

const (
	WorkflowPending   WorkflowState = "PENDING"
	WorkflowRunning   WorkflowState = "RUNNING"
	WorkflowPaused    WorkflowState = "PAUSED"
	WorkflowSucceeded WorkflowState = "SUCCEEDED"
	WorkflowFailed    WorkflowState = "FAILED"
	WorkflowCancelled WorkflowState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed || s == WorkflowCancelled
}

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepEscalated StepStatus = "ESCALATED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Done reports whether dependents may consume the step.
func (s StepStatus) Done() bool {
	return s == StepSucceeded || s == StepSkipped
}

// FailureKind classifies why a step (or sub-step) failed.
type FailureKind string

const (
	FailureTransient           FailureKind = "TRANSIENT"
	FailureModelError          FailureKind = "MODEL_ERROR"
	FailureToolError           FailureKind = "TOOL_ERROR"
	FailureTimeout             FailureKind = "TIMEOUT"
	FailureHallucination       FailureKind = "HALLUCINATION"
	FailureBudgetExceeded      FailureKind = "BUDGET_EXCEEDED"
	FailureNoProviderAvailable FailureKind = "NO_PROVIDER_AVAILABLE"
	FailureMalformedWorkflow   FailureKind = "MALFORMED_WORKFLOW"
)

// RecoveryLevel is the escalator's position on the ladder.
type RecoveryLevel int

const (
	LevelRetry RecoveryLevel = iota
	LevelAgentSwap
	LevelProviderSwap
	LevelStrategyMutation
	LevelHumanEscalation
)

// MaxRecoveryLevel is the last rung of the ladder.
const MaxRecoveryLevel = LevelHumanEscalation

type RecoveryAction string

const (
	ActionRetry            RecoveryAction = "RETRY"
	ActionAgentSwap        RecoveryAction = "AGENT_SWAP"
	ActionProviderSwap     RecoveryAction = "PROVIDER_SWAP"
	ActionStrategyMutation RecoveryAction = "STRATEGY_MUTATION"
	ActionHumanEscalation  RecoveryAction = "HUMAN_ESCALATION"
)

// Action returns the recovery action performed at the level.
func (l RecoveryLevel) Action() RecoveryAction {
	switch l {
	case LevelRetry:
		return ActionRetry
	case LevelAgentSwap:
		return ActionAgentSwap
	case LevelProviderSwap:
		return ActionProviderSwap
	case LevelStrategyMutation:
		return ActionStrategyMutation
	default:
		return ActionHumanEscalation
	}
}

func (l RecoveryLevel) String() string {
	return fmt.Sprintf("%d(%s)", int(l), l.Action())
}

// ToolSpec is an external command run over a step's model output.
type ToolSpec struct {
	Name    string        `yaml:"name,omitempty" json:"name,omitempty"`
	Command []string      `yaml:"command" json:"command"`
	Workdir string        `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Step is one unit of work in a workflow.
type Step struct {
	ID        string    `yaml:"id" json:"id"`
	Role      Role      `yaml:"role" json:"role"`
	Input     string    `yaml:"input" json:"input"`
	DependsOn []string  `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Tool      *ToolSpec `yaml:"tool,omitempty" json:"tool,omitempty"`

	Provider       string        `yaml:"-" json:"provider,omitempty"`
	Model          string        `yaml:"-" json:"model,omitempty"`
	Attempts       int           `yaml:"-" json:"attempts"`
	LevelAttempts  int           `yaml:"-" json:"level_attempts"`
	RecoveryLevel  RecoveryLevel `yaml:"-" json:"recovery_level"`
	Status         StepStatus    `yaml:"-" json:"status"`
	Result         string        `yaml:"-" json:"result,omitempty"`
	Confidence     float64       `yaml:"-" json:"confidence"`
	Cost           float64       `yaml:"-" json:"cost"`
	Persona        string        `yaml:"-" json:"persona,omitempty"`
	Strategy       string        `yaml:"-" json:"strategy,omitempty"`
	TriedProviders []string      `yaml:"-" json:"tried_providers,omitempty"`
	LastFailure    FailureKind   `yaml:"-" json:"last_failure,omitempty"`

	// Unaccepted is the last output that failed verification or tooling.
	// It is low-confidence and never handed to dependent steps.
	Unaccepted     string          `yaml:"-" json:"unaccepted_result,omitempty"`
	Agent          *AgentIdentity  `yaml:"-" json:"agent,omitempty"`
	ReplacedAgents []AgentIdentity `yaml:"-" json:"replaced_agents,omitempty"`
}

// AgentIdentity is the agent instance serving a step. An agent swap
// retires the current agent and assigns a fresh one with a new persona.
type AgentIdentity struct {
	ID         string      `json:"id"`
	Persona    string      `json:"persona,omitempty"`
	Generation int         `json:"generation"`
	Failures   int         `json:"failures"`
	RetiredFor FailureKind `json:"retired_for,omitempty"`
}

// Workflow is a DAG (or ordered list) of steps executed by the orchestrator.
type Workflow struct {
	ID                  string        `yaml:"id,omitempty" json:"id"`
	Name                string        `yaml:"name" json:"name"`
	Input               string        `yaml:"input,omitempty" json:"input,omitempty"`
	Sequential          bool          `yaml:"sequential,omitempty" json:"sequential,omitempty"`
	BudgetUSD           float64       `yaml:"budget_usd,omitempty" json:"budget_usd,omitempty"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	Strategy            string        `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	ContinueDegraded    bool          `yaml:"continue_degraded,omitempty" json:"continue_degraded,omitempty"`
	Steps               []*Step       `yaml:"steps" json:"steps"`
	State               WorkflowState `yaml:"-" json:"state"`
	Cost                float64       `yaml:"-" json:"cost"`
	CreatedAt           time.Time     `yaml:"-" json:"created_at"`
	UpdatedAt           time.Time     `yaml:"-" json:"updated_at"`
}

// FailureRecord is immutable once written to the ledger.
type FailureRecord struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	StepID     string        `json:"step_id"`
	SubStep    string        `json:"sub_step,omitempty"`
	Kind       FailureKind   `json:"kind"`
	Level      RecoveryLevel `json:"level"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type RecoveryDecision struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	Action     RecoveryAction `json:"action"`
	Level      RecoveryLevel  `json:"level"`
	Rationale  string         `json:"rationale"`
	Timestamp  time.Time      `json:"timestamp"`
}

type StateChange struct {
	WorkflowID string        `json:"workflow_id"`
	From       WorkflowState `json:"from"`
	To         WorkflowState `json:"to"`
	Reason     string        `json:"reason,omitempty"`
	Cost       float64       `json:"cost"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SubStepVerification names the verification sub-step in failure records.
const SubStepVerification = "verification"

// EscalationContext is the material a human needs to unblock a paused workflow.
type EscalationContext struct {
	StepID         string        `json:"step_id"`
	Role           Role          `json:"role"`
	Level          RecoveryLevel `json:"level"`
	LastFailure    FailureKind   `json:"last_failure"`
	Diagnostic     string        `json:"diagnostic,omitempty"`
	TriedProviders []string      `json:"tried_providers,omitempty"`
	Agents         []string      `json:"agents,omitempty"`
	Rationale      []string      `json:"rationale,omitempty"`
}
