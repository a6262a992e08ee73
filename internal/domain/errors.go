package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewDomainError for contextual errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the orchestration domain.
var (
	// ErrNoAgent is returned when routing cannot produce a viable agent
	// (empty or unreachable registry, no profile matches).
	ErrNoAgent = fmt.Errorf("no viable agent")
	// ErrCircuitOpen is returned when a downstream target's breaker is open
	// and the call failed fast without reaching the dependency.
	ErrCircuitOpen = fmt.Errorf("circuit open")
	// ErrSafetyViolation is returned when a blocking safety policy rejects
	// the turn. The raw blocked content is never attached to this error.
	ErrSafetyViolation = fmt.Errorf("safety policy violation")
	// ErrSessionBusy is returned when a session already has an in-flight
	// turn and the coordinator is configured to reject rather than queue.
	ErrSessionBusy = fmt.Errorf("session busy")
	// ErrToolExecution wraps failures from the tool sandbox.
	ErrToolExecution = fmt.Errorf("tool execution failed")
	// ErrPersistenceDegraded marks a non-fatal persistence failure. Turns
	// proceed; the failure is logged and records are re-buffered.
	ErrPersistenceDegraded = fmt.Errorf("persistence degraded")
	// ErrTurnCancelled is returned when a caller cancels an in-flight turn.
	ErrTurnCancelled = fmt.Errorf("turn cancelled")
	// ErrMaxRounds is returned when a group chat exceeds its round bound
	// without a termination signal.
	ErrMaxRounds = fmt.Errorf("group chat reached max rounds")

	// Provider-layer errors.
	ErrProviderNotFound = fmt.Errorf("completion provider not found")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrContextOverflow  = fmt.Errorf("context window exceeded")
	ErrProviderError    = fmt.Errorf("provider error")

	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionClosed    = fmt.Errorf("session closed")
	ErrWorkflowInvalid  = fmt.Errorf("workflow graph invalid")
	ErrWorkflowAborted  = fmt.Errorf("workflow step aborted")
	ErrRegistryReload   = fmt.Errorf("registry reload failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Router.Route")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is a transient error that may succeed on
// a bounded retry. Circuit-open and safety errors are never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrSafetyViolation) || errors.Is(err, ErrAuthInvalid) {
		return false
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category. Streaming clients and
// the gateway surface these as stable strings for programmatic handling.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeRoutingError         ErrorCode = "ROUTING_ERROR"
	CodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	CodeSafetyViolation      ErrorCode = "SAFETY_VIOLATION"
	CodeSessionBusy          ErrorCode = "SESSION_BUSY"
	CodeToolExecution        ErrorCode = "TOOL_EXECUTION_ERROR"
	CodePersistenceDegraded  ErrorCode = "PERSISTENCE_DEGRADED"
	CodeTurnCancelled        ErrorCode = "TURN_CANCELLED"
	CodeMaxRounds            ErrorCode = "MAX_ROUNDS"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	CodeWorkflowInvalid      ErrorCode = "WORKFLOW_INVALID"
	CodeWorkflowAborted      ErrorCode = "WORKFLOW_ABORTED"
	CodeRegistryReload       ErrorCode = "REGISTRY_RELOAD"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNoAgent:             CodeRoutingError,
	ErrCircuitOpen:         CodeCircuitOpen,
	ErrSafetyViolation:     CodeSafetyViolation,
	ErrSessionBusy:         CodeSessionBusy,
	ErrToolExecution:       CodeToolExecution,
	ErrPersistenceDegraded: CodePersistenceDegraded,
	ErrTurnCancelled:       CodeTurnCancelled,
	ErrMaxRounds:           CodeMaxRounds,
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrContextOverflow:     CodeContextOverflow,
	ErrProviderError:       CodeProviderError,
	ErrSessionNotFound:     CodeSessionNotFound,
	ErrSessionClosed:       CodeSessionClosed,
	ErrWorkflowInvalid:     CodeWorkflowInvalid,
	ErrWorkflowAborted:     CodeWorkflowAborted,
	ErrRegistryReload:      CodeRegistryReload,
	ErrTimeout:             CodeTimeout,
	ErrNotFound:            CodeNotFound,
	ErrDuplicate:           CodeDuplicate,
	ErrInvalidInput:        CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
