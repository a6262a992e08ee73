package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ensemble/internal/domain"
)

// runSwarm fans the message out to every selected agent in parallel. Each
// agent works from the same history snapshot and its output is not shared
// with the others. Every fan-out call settles, success or failure, before
// a single synthesis call on the primary agent merges the surviving
// outputs into one message; failed specialists are noted in the synthesis
// prompt. The turn fails only when no fan-out call produced an output.
// Only the synthesis is committed to history.
func (c *Coordinator) runSwarm(ctx context.Context, ts *turnState, decision domain.RoutingDecision, userMessage string) (domain.Message, error) {
	profiles, err := c.lookupAgents(decision)
	if err != nil {
		return domain.Message{}, err
	}

	window := c.sessions.ContextWindow(ts.session)
	outputs := make([]domain.Message, len(profiles))
	failures := make([]error, len(profiles))

	var wg sync.WaitGroup
	for i, profile := range profiles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.publish(ctx, domain.EventAgentSwitched, ts.session.ID, domain.AgentSwitchedPayload{
				TurnID:   ts.turnID,
				AgentKey: profile.Key,
			})
			msg, err := c.invokeAgent(ctx, ts, profile, window)
			if err != nil {
				failures[i] = fmt.Errorf("swarm agent %q: %w", profile.Key, err)
				return
			}
			outputs[i] = msg
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range failures {
		if err == nil {
			succeeded++
		}
	}
	if succeeded == 0 {
		return domain.Message{}, domain.WrapOp("Coordinator.runSwarm", errors.Join(failures...))
	}
	for i, err := range failures {
		if err != nil {
			c.logger.Warn("swarm agent failed, continuing with partial results",
				"session_id", ts.session.ID, "agent", profiles[i].Key, "error", err)
		}
	}

	synth, err := c.synthesize(ctx, ts, profiles[0], window, userMessage, profiles, outputs, failures)
	if err != nil {
		return domain.Message{}, err
	}

	ts.session.AddMessage(synth)
	c.publish(ctx, domain.EventTurnChunk, ts.session.ID, domain.ChunkPayload{
		TurnID:   ts.turnID,
		AgentKey: synth.AgentKey,
		Content:  synth.Content,
	})
	return synth, nil
}

// synthesize merges independent specialist outputs into one message via
// the primary agent. Specialists that failed contribute a note, never
// their error text.
func (c *Coordinator) synthesize(ctx context.Context, ts *turnState, primary domain.AgentProfile, window []domain.Message, userMessage string, profiles []domain.AgentProfile, outputs []domain.Message, failures []error) (domain.Message, error) {
	provider, err := c.providers.Get(primary.Provider)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Coordinator.synthesize",
			domain.ErrProviderNotFound, primary.Provider)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: %s\n\n", userMessage)
	b.WriteString("Independent specialist answers follow. Merge them into a single coherent response.\n")
	for i, out := range outputs {
		if failures[i] != nil {
			fmt.Fprintf(&b, "\n--- %s ---\n(no answer: this specialist was unavailable)\n", profiles[i].Key)
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", profiles[i].Key, out.Content)
	}

	msgs := append(append([]domain.Message(nil), window...), domain.Message{
		Role:    domain.RoleUser,
		Content: b.String(),
	})

	resp, err := c.complete(ctx, provider, domain.CompletionRequest{
		Model:        primary.Model,
		SystemPrompt: primary.SystemPrompt,
		Messages:     msgs,
	})
	if err != nil {
		return domain.Message{}, err
	}
	c.recordCost(ctx, ts, primary, resp, msgs)

	msg := resp.Message
	msg.AgentKey = primary.Key
	if msg.ID == "" {
		msg.ID = generateULID(time.Now())
	}
	return c.gateOutbound(ctx, ts, msg, resp.Usage)
}
