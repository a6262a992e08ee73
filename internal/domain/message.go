package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleTool   = "tool"
)

// Message is a single entry in a session's history. Histories are
// append-only: a committed message is never removed or rewritten.
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	AgentKey  string     `json:"agent_key,omitempty"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// CompletionRequest is sent to a completion provider.
type CompletionRequest struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  float64      `json:"temperature,omitempty"`
	Stream       bool         `json:"stream,omitempty"`
}

// CompletionResponse is returned from a completion provider.
type CompletionResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption for one completion call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
