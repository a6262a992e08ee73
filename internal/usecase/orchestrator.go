package usecase

import (
	"context"
	"log/slog"

	"ensemble/internal/domain"
)

// Orchestrator is the single public entry point for conversation turns.
// It owns the coordinator and the components whose lifecycles span turns;
// adapters (gateway, CLI) talk only to this facade.
type Orchestrator struct {
	coordinator *Coordinator
	sessions    *SessionManager
	streams     *StreamManager
	costs       *CostTracker
	registry    domain.AgentRegistry
	bus         domain.EventBus
	logger      *slog.Logger
}

// NewOrchestrator wires the facade from already-constructed components.
func NewOrchestrator(
	coordinator *Coordinator,
	sessions *SessionManager,
	streams *StreamManager,
	costs *CostTracker,
	registry domain.AgentRegistry,
	bus domain.EventBus,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		coordinator: coordinator,
		sessions:    sessions,
		streams:     streams,
		costs:       costs,
		registry:    registry,
		bus:         bus,
		logger:      logger,
	}
}

// Orchestrate processes one user message and returns the turn result. An
// empty mode lets the router decide.
func (o *Orchestrator) Orchestrate(ctx context.Context, req TurnRequest) (*domain.TurnResult, error) {
	return o.coordinator.RunTurn(ctx, req)
}

// RunDirect runs a turn pinned to direct mode.
func (o *Orchestrator) RunDirect(ctx context.Context, sessionID, userID, message string) (*domain.TurnResult, error) {
	return o.Orchestrate(ctx, TurnRequest{
		SessionID: sessionID, UserID: userID, Message: message, Mode: domain.ModeDirect,
	})
}

// RunGroupChat runs a turn pinned to group-chat mode.
func (o *Orchestrator) RunGroupChat(ctx context.Context, sessionID, userID, message string) (*domain.TurnResult, error) {
	return o.Orchestrate(ctx, TurnRequest{
		SessionID: sessionID, UserID: userID, Message: message, Mode: domain.ModeGroupChat,
	})
}

// RunSwarm runs a turn pinned to swarm mode.
func (o *Orchestrator) RunSwarm(ctx context.Context, sessionID, userID, message string) (*domain.TurnResult, error) {
	return o.Orchestrate(ctx, TurnRequest{
		SessionID: sessionID, UserID: userID, Message: message, Mode: domain.ModeSwarm,
	})
}

// RunWorkflow runs a turn through the named workflow graph.
func (o *Orchestrator) RunWorkflow(ctx context.Context, sessionID, userID, message, workflow string) (*domain.TurnResult, error) {
	return o.Orchestrate(ctx, TurnRequest{
		SessionID: sessionID, UserID: userID, Message: message,
		Mode: domain.ModeWorkflow, Workflow: workflow,
	})
}

// AttachSink subscribes a streaming sink to a session.
func (o *Orchestrator) AttachSink(sessionID string, sink StreamSink) {
	o.streams.Attach(sessionID, sink)
}

// DetachSink unsubscribes a streaming sink.
func (o *Orchestrator) DetachSink(sessionID string, sink StreamSink) {
	o.streams.Detach(sessionID, sink)
}

// Sessions exposes session lookup for adapters.
func (o *Orchestrator) Sessions() *SessionManager {
	return o.sessions
}

// ReloadAgents rebuilds the registry snapshot.
func (o *Orchestrator) ReloadAgents(ctx context.Context) (uint64, error) {
	return o.registry.Reload(ctx)
}

// CostSummary aggregates the cost ledger.
func (o *Orchestrator) CostSummary(ctx context.Context, filter domain.CostFilter) (domain.CostSummary, error) {
	return o.costs.Summarize(ctx, filter)
}

// Shutdown flushes and closes the components the facade owns. In-flight
// handlers on the bus are drained before return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.streams.Close()
	err := o.costs.Close()
	o.bus.Close()
	if err != nil {
		o.logger.Warn("cost tracker close failed", "error", err)
	}
	return err
}
