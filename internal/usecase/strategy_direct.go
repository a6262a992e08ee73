package usecase

import (
	"context"
	"time"

	"ensemble/internal/domain"
)

// runDirect invokes the single primary agent. When the provider can stream
// and the agent needs no tools, deltas are forwarded to attached sinks as
// chunk events; otherwise the full response is published as one chunk.
func (c *Coordinator) runDirect(ctx context.Context, ts *turnState, decision domain.RoutingDecision) (domain.Message, error) {
	profiles, err := c.lookupAgents(decision)
	if err != nil {
		return domain.Message{}, err
	}
	profile := profiles[0]

	c.publish(ctx, domain.EventAgentSwitched, ts.session.ID, domain.AgentSwitchedPayload{
		TurnID:   ts.turnID,
		AgentKey: profile.Key,
	})

	window := c.sessions.ContextWindow(ts.session)

	var msg domain.Message
	if sp, ok := c.streamable(ts.session.ID, profile); ok {
		msg, err = c.streamAgent(ctx, ts, profile, sp, window)
	} else {
		msg, err = c.invokeAgent(ctx, ts, profile, window)
		if err == nil {
			c.publish(ctx, domain.EventTurnChunk, ts.session.ID, domain.ChunkPayload{
				TurnID:   ts.turnID,
				AgentKey: profile.Key,
				Content:  msg.Content,
			})
		}
	}
	if err != nil {
		return domain.Message{}, err
	}

	ts.session.AddMessage(msg)
	return msg, nil
}

// streamable reports whether this agent invocation can stream: the
// provider supports it, the agent declares no tools, and someone is
// actually listening.
func (c *Coordinator) streamable(sessionID string, profile domain.AgentProfile) (domain.StreamingCompletionProvider, bool) {
	if len(profile.ToolNames) > 0 {
		return nil, false
	}
	if c.streams.SinkCount(sessionID) == 0 {
		return nil, false
	}
	provider, err := c.providers.Get(profile.Provider)
	if err != nil {
		return nil, false
	}
	sp, ok := provider.(domain.StreamingCompletionProvider)
	if !ok {
		return nil, false
	}
	// Wrappers satisfy the streaming interface unconditionally and only
	// report the inner provider's real capability through CanStream.
	if cp, ok := provider.(interface{ CanStream() bool }); ok && !cp.CanStream() {
		return nil, false
	}
	return sp, true
}

// streamAgent runs one streaming completion, publishing each delta as a
// chunk event, then gates and returns the assembled message.
func (c *Coordinator) streamAgent(ctx context.Context, ts *turnState, profile domain.AgentProfile, provider domain.StreamingCompletionProvider, window []domain.Message) (domain.Message, error) {
	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	deltas, err := provider.CompleteStream(callCtx, domain.CompletionRequest{
		Model:        profile.Model,
		SystemPrompt: profile.SystemPrompt,
		Messages:     window,
		Stream:       true,
	})
	if err != nil {
		return domain.Message{}, err
	}

	var content []byte
	var usage domain.Usage
	for delta := range deltas {
		if delta.Content != "" {
			content = append(content, delta.Content...)
			c.publish(ctx, domain.EventTurnChunk, ts.session.ID, domain.ChunkPayload{
				TurnID:   ts.turnID,
				AgentKey: profile.Key,
				Content:  delta.Content,
			})
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
	}
	if err := callCtx.Err(); err != nil {
		return domain.Message{}, domain.WrapOp("Coordinator.streamAgent", domain.ErrTimeout)
	}

	msg := domain.Message{
		ID:       generateULID(time.Now()),
		Role:     domain.RoleAgent,
		AgentKey: profile.Key,
		Content:  string(content),
	}
	c.recordCost(ctx, ts, profile, &domain.CompletionResponse{
		Message: msg,
		Usage:   usage,
	}, window)
	return c.gateOutbound(ctx, ts, msg, usage)
}
