package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result, or event
	Error   string          `json:"error,omitempty"`   // error description (response only)
	Code    string          `json:"code,omitempty"`    // stable error kind (response only)
}

// OrchestrateParams is the payload for the orchestrate RPC and the HTTP
// one-shot endpoint.
type OrchestrateParams struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
}

// SubscribeParams selects the session whose events the client wants.
type SubscribeParams struct {
	SessionID string `json:"session_id"`
}

// CostSummaryParams narrows a ledger aggregate query.
type CostSummaryParams struct {
	Scope string `json:"scope"` // session, user, or global
	Key   string `json:"key,omitempty"`
	Since string `json:"since,omitempty"` // RFC 3339
}
