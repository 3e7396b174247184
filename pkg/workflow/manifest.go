// Package workflow loads and validates workflow definitions.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/zen-systems/autoos/pkg/schema"
	"gopkg.in/yaml.v3"
)

// ErrMalformedWorkflow is wrapped by every validation error.
var ErrMalformedWorkflow = errors.New("malformed workflow")

// LoadManifest reads a workflow definition from a YAML file and validates it.
func LoadManifest(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes and validates a YAML workflow definition.
func Parse(data []byte) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWorkflow, err)
	}
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedWorkflow, fmt.Sprintf(format, args...))
}

// Validate checks the workflow structure, including acyclicity of the
// effective dependency graph.
func Validate(wf *schema.Workflow) error {
	if wf == nil {
		return malformed("workflow is nil")
	}
	if wf.Name == "" {
		return malformed("workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return malformed("workflow must define at least one step")
	}
	if wf.BudgetUSD < 0 {
		return malformed("budget_usd must not be negative")
	}
	if wf.ConfidenceThreshold < 0 || wf.ConfidenceThreshold > 1 {
		return malformed("confidence_threshold must be within [0,1]")
	}

	seen := make(map[string]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if step == nil || step.ID == "" {
			return malformed("step id is required")
		}
		if _, ok := seen[step.ID]; ok {
			return malformed("duplicate step id: %s", step.ID)
		}
		seen[step.ID] = struct{}{}
		if !step.Role.Valid() {
			return malformed("step %s has unknown role %q", step.ID, step.Role)
		}
		if step.Input == "" {
			return malformed("step %s must have an input", step.ID)
		}
		if err := checkTemplate(step.Input); err != nil {
			return malformed("step %s input template: %v", step.ID, err)
		}
		if step.Tool != nil && len(step.Tool.Command) == 0 {
			return malformed("step %s tool requires a command", step.ID)
		}
	}

	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return malformed("step %s depends on itself", step.ID)
			}
			if _, ok := seen[dep]; !ok {
				return malformed("step %s depends on unknown step %s", step.ID, dep)
			}
		}
	}

	if _, err := TopoOrder(wf); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns step ids in a dependency-respecting order. Ties are
// broken by declaration order.
func TopoOrder(wf *schema.Workflow) ([]string, error) {
	index := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		index[s.ID] = i
	}
	indegree := make([]int, len(wf.Steps))
	dependents := make([][]int, len(wf.Steps))
	for i := range wf.Steps {
		for _, dep := range wf.Dependencies(i) {
			j, ok := index[dep]
			if !ok {
				return nil, malformed("step %s depends on unknown step %s", wf.Steps[i].ID, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(wf.Steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		order = append(order, wf.Steps[i].ID)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != len(wf.Steps) {
		var cyclic []string
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, wf.Steps[i].ID)
			}
		}
		return nil, malformed("dependency cycle among steps %v", cyclic)
	}
	return order, nil
}
