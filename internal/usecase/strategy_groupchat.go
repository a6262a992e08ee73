package usecase

import (
	"context"
	"strings"

	"ensemble/internal/domain"
)

// runGroupChat round-robins the primary and supporting agents for at most
// the configured number of rounds. Each agent's message is committed to
// history before the next agent is invoked, so later agents see earlier
// output within the same turn. The chat ends early when any agent emits
// the termination signal.
func (c *Coordinator) runGroupChat(ctx context.Context, ts *turnState, decision domain.RoutingDecision) (domain.Message, error) {
	profiles, err := c.lookupAgents(decision)
	if err != nil {
		return domain.Message{}, err
	}

	var last domain.Message
	for round := 1; round <= c.cfg.MaxGroupRounds; round++ {
		for _, profile := range profiles {
			if err := ctx.Err(); err != nil {
				return domain.Message{}, domain.WrapOp("Coordinator.runGroupChat", domain.ErrTurnCancelled)
			}

			c.publish(ctx, domain.EventAgentSwitched, ts.session.ID, domain.AgentSwitchedPayload{
				TurnID:   ts.turnID,
				AgentKey: profile.Key,
				Round:    round,
			})

			msg, err := c.invokeAgent(ctx, ts, profile, c.sessions.ContextWindow(ts.session))
			if err != nil {
				return domain.Message{}, err
			}

			done := false
			if c.cfg.TerminationSignal != "" && strings.Contains(msg.Content, c.cfg.TerminationSignal) {
				msg.Content = strings.TrimSpace(strings.ReplaceAll(msg.Content, c.cfg.TerminationSignal, ""))
				done = true
			}

			ts.session.AddMessage(msg)
			c.publish(ctx, domain.EventTurnChunk, ts.session.ID, domain.ChunkPayload{
				TurnID:   ts.turnID,
				AgentKey: profile.Key,
				Content:  msg.Content,
			})
			last = msg

			if done {
				c.logger.Debug("group chat terminated by signal",
					"session_id", ts.session.ID, "agent", profile.Key, "round", round)
				return last, nil
			}
		}
	}
	return last, nil
}
