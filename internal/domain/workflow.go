package domain

import "fmt"

// WorkflowStep is one node of a workflow graph: one agent invocation with
// optional tool access. A step executes only after every step named in
// DependsOn has completed successfully.
type WorkflowStep struct {
	ID        string   `json:"id"         yaml:"id"`
	AgentKey  string   `json:"agent_key"  yaml:"agent_key"`
	Prompt    string   `json:"prompt,omitempty"     yaml:"prompt,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ToolNames []string `json:"tools,omitempty"      yaml:"tools,omitempty"`
}

// WorkflowGraph is a directed acyclic graph of steps.
type WorkflowGraph struct {
	Name  string         `json:"name"  yaml:"name"`
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
}

// Validate checks the graph for duplicate step IDs, unknown dependencies,
// self-references, and cycles. Returns ErrWorkflowInvalid on any defect.
func (g *WorkflowGraph) Validate() error {
	if len(g.Steps) == 0 {
		return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid, "graph has no steps")
	}

	byID := make(map[string]WorkflowStep, len(g.Steps))
	for _, step := range g.Steps {
		if step.ID == "" {
			return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid, "step with empty ID")
		}
		if step.AgentKey == "" {
			return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid,
				fmt.Sprintf("step %q has no agent", step.ID))
		}
		if _, dup := byID[step.ID]; dup {
			return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid,
				fmt.Sprintf("duplicate step ID %q", step.ID))
		}
		byID[step.ID] = step
	}

	for _, step := range g.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid,
					fmt.Sprintf("step %q depends on itself", step.ID))
			}
			if _, ok := byID[dep]; !ok {
				return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid,
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}

	// Cycle detection via iterative DFS with three-color marking.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return NewDomainError("WorkflowGraph.Validate", ErrWorkflowInvalid,
				fmt.Sprintf("cycle through step %q", id))
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, step := range g.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

// Dependents returns the IDs of steps that transitively depend on stepID.
// Used to abort downstream nodes when a step fails.
func (g *WorkflowGraph) Dependents(stepID string) []string {
	direct := make(map[string][]string)
	for _, step := range g.Steps {
		for _, dep := range step.DependsOn {
			direct[dep] = append(direct[dep], step.ID)
		}
	}

	seen := make(map[string]bool)
	var out []string
	queue := append([]string(nil), direct[stepID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, direct[id]...)
	}
	return out
}
