package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted   EventType = "turn_started"
	EventTurnChunk     EventType = "chunk"
	EventAgentSwitched EventType = "agent_switched"
	EventTurnCompleted EventType = "turn_completed"
	EventTurnFailed    EventType = "turn_failed"

	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventCostRecorded      EventType = "cost.recorded"
	EventRegistryReloaded  EventType = "registry.reloaded"
	EventBreakerChanged    EventType = "breaker.state_changed"
	EventSafetyFlagged     EventType = "safety.flagged"
)

// Event is the envelope published on the event bus and forwarded to
// streaming sinks. Per-session ordering is strict: sinks observe events in
// exactly the order the coordinator published them.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}

// TurnStartedPayload is the payload for EventTurnStarted.
type TurnStartedPayload struct {
	TurnID string `json:"turn_id"`
	Mode   Mode   `json:"mode"`
}

// ChunkPayload is the payload for EventTurnChunk.
type ChunkPayload struct {
	TurnID   string `json:"turn_id"`
	AgentKey string `json:"agent_key"`
	Content  string `json:"content"`
}

// AgentSwitchedPayload is the payload for EventAgentSwitched.
type AgentSwitchedPayload struct {
	TurnID   string `json:"turn_id"`
	AgentKey string `json:"agent_key"`
	Round    int    `json:"round,omitempty"`
}

// TurnCompletedPayload is the payload for EventTurnCompleted.
type TurnCompletedPayload struct {
	Result TurnResult `json:"result"`
}

// TurnFailedPayload is the payload for EventTurnFailed.
type TurnFailedPayload struct {
	TurnID    string    `json:"turn_id"`
	ErrorKind ErrorCode `json:"error_kind"`
	Detail    string    `json:"detail"`
}

// BreakerChangedPayload is the payload for EventBreakerChanged.
type BreakerChangedPayload struct {
	Target string `json:"target"`
	From   string `json:"from"`
	To     string `json:"to"`
}
