package domain

import "time"

// Mode selects the conversation strategy for a turn.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeGroupChat Mode = "groupchat"
	ModeSwarm     Mode = "swarm"
	ModeWorkflow  Mode = "workflow"
)

// ValidMode reports whether m names a known conversation mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeDirect, ModeGroupChat, ModeSwarm, ModeWorkflow:
		return true
	}
	return false
}

// RoutingDecision is the router's answer for one inbound message.
type RoutingDecision struct {
	PrimaryAgent     string   `json:"primary_agent"`
	SupportingAgents []string `json:"supporting_agents,omitempty"`
	Mode             Mode     `json:"mode"`
	Confidence       float64  `json:"confidence"`
	// Classified is true when the decision required a classification
	// call to the completion service rather than heuristics alone.
	Classified bool `json:"classified,omitempty"`
}

// TurnStatus is the terminal disposition of a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// TurnResult is produced exactly once per accepted turn. It is immutable
// and persisted to the cost ledger and conversation history.
type TurnResult struct {
	SessionID           string        `json:"session_id"`
	TurnID              string        `json:"turn_id"`
	Status              TurnStatus    `json:"status"`
	FinalMessage        Message       `json:"final_message"`
	ParticipatingAgents []string      `json:"participating_agents"`
	TotalCostUSD        float64       `json:"total_cost_usd"`
	TotalTokens         int           `json:"total_tokens"`
	Duration            time.Duration `json:"duration"`
	SafetyFlags         []string      `json:"safety_flags,omitempty"`
	ErrorKind           ErrorCode     `json:"error_kind,omitempty"`
	ErrorDetail         string        `json:"error_detail,omitempty"`
}
