package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ensemble/internal/domain"
)

// runWorkflow executes a named DAG of agent steps. A step runs once all
// its declared predecessors completed successfully; steps with no mutual
// dependency within a wave run in parallel. When a step fails, all its
// transitive dependents are aborted and the outputs of completed steps are
// preserved in history as partial results.
func (c *Coordinator) runWorkflow(ctx context.Context, ts *turnState, name, userMessage string) (domain.Message, error) {
	if c.workflows == nil {
		return domain.Message{}, domain.NewDomainError("Coordinator.runWorkflow",
			domain.ErrWorkflowInvalid, "no workflow source configured")
	}
	if name == "" {
		return domain.Message{}, domain.NewDomainError("Coordinator.runWorkflow",
			domain.ErrWorkflowInvalid, "workflow name required for workflow mode")
	}

	graph, err := c.workflows.Get(name)
	if err != nil {
		return domain.Message{}, err
	}
	if err := graph.Validate(); err != nil {
		return domain.Message{}, err
	}

	snap := c.router.registry.Snapshot()
	steps := make(map[string]domain.WorkflowStep, len(graph.Steps))
	for _, s := range graph.Steps {
		steps[s.ID] = s
		if _, ok := snap.Get(s.AgentKey); !ok {
			return domain.Message{}, domain.NewDomainError("Coordinator.runWorkflow",
				domain.ErrNoAgent, fmt.Sprintf("step %q: agent %q", s.ID, s.AgentKey))
		}
	}

	outputs := make(map[string]domain.Message, len(steps))
	failed := make(map[string]error)
	aborted := make(map[string]bool)
	var waveOrder []string

	for len(outputs)+len(failed)+len(aborted) < len(steps) {
		ready := readySteps(graph, outputs, failed, aborted)
		if len(ready) == 0 {
			break
		}

		// Goroutines read a pre-wave snapshot so in-wave writes never race
		// dependency lookups.
		snapshot := make(map[string]domain.Message, len(outputs))
		for id, msg := range outputs {
			snapshot[id] = msg
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			go func() {
				defer wg.Done()
				msg, err := c.runStep(ctx, ts, snap, step, userMessage, snapshot)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[step.ID] = err
					return
				}
				outputs[step.ID] = msg
				waveOrder = append(waveOrder, step.ID)
			}()
		}
		wg.Wait()

		for id := range failed {
			for _, dep := range graph.Dependents(id) {
				if _, done := outputs[dep]; !done {
					aborted[dep] = true
				}
			}
		}

		// Commit this wave's outputs in the order the steps completed;
		// waveOrder is appended under the mutex as each step finishes.
		for _, id := range waveOrder {
			msg := outputs[id]
			ts.session.AddMessage(msg)
			c.publish(ctx, domain.EventTurnChunk, ts.session.ID, domain.ChunkPayload{
				TurnID:   ts.turnID,
				AgentKey: msg.AgentKey,
				Content:  msg.Content,
			})
		}
		waveOrder = waveOrder[:0]

		if len(failed) > 0 {
			break
		}
	}

	if len(failed) > 0 {
		var parts []string
		for id, err := range failed {
			parts = append(parts, fmt.Sprintf("step %q: %v", id, err))
		}
		sort.Strings(parts)
		var abortedIDs []string
		for id := range aborted {
			abortedIDs = append(abortedIDs, id)
		}
		sort.Strings(abortedIDs)
		detail := strings.Join(parts, "; ")
		if len(abortedIDs) > 0 {
			detail += fmt.Sprintf(" (aborted downstream: %s)", strings.Join(abortedIDs, ", "))
		}
		return domain.Message{}, domain.NewDomainError("Coordinator.runWorkflow",
			domain.ErrWorkflowAborted, detail)
	}

	// Final message: outputs of the terminal steps, those nothing depends on.
	return c.finalWorkflowMessage(graph, outputs), nil
}

// readySteps returns steps whose dependencies are all satisfied and which
// have not run or been aborted yet.
func readySteps(graph domain.WorkflowGraph, outputs map[string]domain.Message, failed map[string]error, aborted map[string]bool) []domain.WorkflowStep {
	var ready []domain.WorkflowStep
	for _, step := range graph.Steps {
		if _, done := outputs[step.ID]; done {
			continue
		}
		if _, bad := failed[step.ID]; bad {
			continue
		}
		if aborted[step.ID] {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if _, done := outputs[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// runStep invokes one workflow step's agent with the step prompt and the
// outputs of its dependencies as context.
func (c *Coordinator) runStep(ctx context.Context, ts *turnState, snap *domain.RegistrySnapshot, step domain.WorkflowStep, userMessage string, outputs map[string]domain.Message) (domain.Message, error) {
	profile, _ := snap.Get(step.AgentKey)
	if len(step.ToolNames) > 0 {
		profile.ToolNames = step.ToolNames
	}

	c.publish(ctx, domain.EventAgentSwitched, ts.session.ID, domain.AgentSwitchedPayload{
		TurnID:   ts.turnID,
		AgentKey: profile.Key,
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", userMessage)
	if step.Prompt != "" {
		fmt.Fprintf(&b, "\nYour step: %s\n", step.Prompt)
	}
	deps := append([]string(nil), step.DependsOn...)
	sort.Strings(deps)
	for _, dep := range deps {
		if out, ok := outputs[dep]; ok {
			fmt.Fprintf(&b, "\nOutput of step %q:\n%s\n", dep, out.Content)
		}
	}

	window := append(c.sessions.ContextWindow(ts.session), domain.Message{
		Role:    domain.RoleUser,
		Content: b.String(),
	})
	msg, err := c.invokeAgent(ctx, ts, profile, window)
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// finalWorkflowMessage joins the outputs of steps no other step depends
// on. A single terminal step's message passes through unchanged.
func (c *Coordinator) finalWorkflowMessage(graph domain.WorkflowGraph, outputs map[string]domain.Message) domain.Message {
	dependedOn := make(map[string]bool)
	for _, step := range graph.Steps {
		for _, dep := range step.DependsOn {
			dependedOn[dep] = true
		}
	}

	var terminal []string
	for _, step := range graph.Steps {
		if !dependedOn[step.ID] {
			terminal = append(terminal, step.ID)
		}
	}
	sort.Strings(terminal)

	if len(terminal) == 1 {
		return outputs[terminal[0]]
	}

	var b strings.Builder
	for i, id := range terminal {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(outputs[id].Content)
	}
	last := outputs[terminal[len(terminal)-1]]
	last.Content = b.String()
	return last
}
