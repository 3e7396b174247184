package schema

import "fmt"

// Step returns the step with id, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Dependencies returns the effective predecessors of the step at index i.
// Sequential workflows chain every step to the previous one.
func (w *Workflow) Dependencies(i int) []string {
	step := w.Steps[i]
	if !w.Sequential || i == 0 {
		return step.DependsOn
	}
	deps := append([]string{}, step.DependsOn...)
	prev := w.Steps[i-1].ID
	for _, d := range deps {
		if d == prev {
			return deps
		}
	}
	return append(deps, prev)
}

// Clone returns a deep copy safe to hand to readers.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	cp.DependsOn = append([]string(nil), s.DependsOn...)
	cp.TriedProviders = append([]string(nil), s.TriedProviders...)
	if s.Tool != nil {
		tool := *s.Tool
		tool.Command = append([]string(nil), s.Tool.Command...)
		cp.Tool = &tool
	}
	if s.Agent != nil {
		agent := *s.Agent
		cp.Agent = &agent
	}
	cp.ReplacedAgents = append([]AgentIdentity(nil), s.ReplacedAgents...)
	return &cp
}

// HasTried reports whether provider was already used for the step.
func (s *Step) HasTried(provider string) bool {
	for _, p := range s.TriedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// AssignAgent retires the current agent, if any, after a failure of kind
// and assigns a new one carrying the step's current persona.
func (s *Step) AssignAgent(id string, kind FailureKind) {
	generation := 1
	if old := s.Agent; old != nil {
		old.RetiredFor = kind
		s.ReplacedAgents = append(s.ReplacedAgents, *old)
		generation = old.Generation + 1
	}
	s.Agent = &AgentIdentity{ID: id, Persona: s.Persona, Generation: generation}
}

// AgentIDs lists every agent that served the step, oldest first.
func (s *Step) AgentIDs() []string {
	var ids []string
	for _, a := range s.ReplacedAgents {
		ids = append(ids, a.ID)
	}
	if s.Agent != nil {
		ids = append(ids, s.Agent.ID)
	}
	return ids
}

// MarkTried records provider in the step's tried set.
func (s *Step) MarkTried(provider string) {
	if provider == "" || s.HasTried(provider) {
		return
	}
	s.TriedProviders = append(s.TriedProviders, provider)
}

// Reset prepares a freshly submitted workflow for execution.
func (w *Workflow) Reset() {
	w.State = WorkflowPending
	w.Cost = 0
	for _, s := range w.Steps {
		s.Status = StepPending
		s.Attempts = 0
		s.LevelAttempts = 0
		s.RecoveryLevel = LevelRetry
		s.Result = ""
		s.Confidence = 0
		s.Cost = 0
		s.TriedProviders = nil
		s.LastFailure = ""
		s.Unaccepted = ""
		s.Agent = nil
		s.ReplacedAgents = nil
	}
}

func (s *Step) String() string {
	return fmt.Sprintf("%s[%s]", s.ID, s.Role)
}
