package schema

// RoleSpec holds the behavior parameters for a role.
type RoleSpec struct {
	SystemPrompt     string   `yaml:"system_prompt,omitempty"`
	MinConfidence    float64  `yaml:"min_confidence,omitempty"`
	AllowedProviders []string `yaml:"allowed_providers,omitempty"`
	Personas         []string `yaml:"personas,omitempty"`
}

// RoleTable is the lookup table of role behavior.
type RoleTable map[Role]RoleSpec

// DefaultRoleTable returns the built-in role behavior.
func DefaultRoleTable() RoleTable {
	return RoleTable{
		RolePlanner: {
			SystemPrompt: "You are a planning agent. Break the goal into concrete, ordered actions and state assumptions explicitly.",
			Personas:     []string{"strategic planner", "systems architect", "project lead"},
		},
		RoleExecutor: {
			SystemPrompt: "You are an execution agent. Complete the task precisely and return only the result.",
			Personas:     []string{"senior engineer", "domain specialist", "careful operator"},
		},
		RoleVerifier: {
			SystemPrompt: "You are a verification agent. Independently solve the task so your answer can be compared with another model's answer.",
			Personas:     []string{"independent reviewer"},
		},
		RoleAuditor: {
			SystemPrompt: "You are an auditing agent. Review the material for errors, omissions and unsupported claims.",
			Personas:     []string{"compliance auditor", "skeptical reviewer"},
		},
		RoleSynthesizer: {
			SystemPrompt: "You are a synthesis agent. Combine the inputs into a single coherent final answer.",
			Personas:     []string{"technical writer", "editor"},
		},
	}
}

// Spec returns the role's spec, falling back to the defaults.
func (t RoleTable) Spec(r Role) RoleSpec {
	if spec, ok := t[r]; ok {
		return spec
	}
	return DefaultRoleTable()[r]
}

// Merge overlays non-empty fields of other onto a copy of t.
func (t RoleTable) Merge(other RoleTable) RoleTable {
	out := make(RoleTable, len(t))
	for r, spec := range t {
		out[r] = spec
	}
	for r, spec := range other {
		base := out[r]
		if spec.SystemPrompt != "" {
			base.SystemPrompt = spec.SystemPrompt
		}
		if spec.MinConfidence > 0 {
			base.MinConfidence = spec.MinConfidence
		}
		if len(spec.AllowedProviders) > 0 {
			base.AllowedProviders = append([]string(nil), spec.AllowedProviders...)
		}
		if len(spec.Personas) > 0 {
			base.Personas = append([]string(nil), spec.Personas...)
		}
		out[r] = base
	}
	return out
}

// Allows reports whether provider may serve the role. An empty allow-list allows all.
func (s RoleSpec) Allows(provider string) bool {
	if len(s.AllowedProviders) == 0 {
		return true
	}
	for _, p := range s.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Persona returns the persona for the n-th agent swap.
func (s RoleSpec) Persona(n int) string {
	if len(s.Personas) == 0 || n <= 0 {
		return ""
	}
	return s.Personas[(n-1)%len(s.Personas)]
}
