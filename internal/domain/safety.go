package domain

import "context"

// SafetyStage identifies which side of the two-sided gate a check runs on.
type SafetyStage string

const (
	// SafetyInbound inspects the user's message before routing.
	SafetyInbound SafetyStage = "inbound"
	// SafetyOutbound inspects a candidate agent message before it is
	// committed to history.
	SafetyOutbound SafetyStage = "outbound"
)

// SafetyVerdict is the outcome of running the safety chain on one message.
type SafetyVerdict struct {
	Pass bool `json:"pass"`
	// Flags collects the names of every check that fired, including
	// non-blocking ones on a passing verdict.
	Flags []string `json:"flags,omitempty"`
	// Redacted holds the rewritten content when a redacting policy fired.
	// Empty when no redaction occurred.
	Redacted string `json:"redacted,omitempty"`
}

// SafetyGate is the two-sided content filter invoked by the coordinator.
type SafetyGate interface {
	Check(ctx context.Context, msg Message, stage SafetyStage) SafetyVerdict
}
