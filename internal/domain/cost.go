package domain

import (
	"context"
	"time"
)

// CostRecord is one append-only ledger entry for a single completion call.
// Records are never mutated after creation.
type CostRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	AgentKey  string    `json:"agent_key"`
	Provider  string    `json:"provider"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
}

// CostScope selects the aggregation dimension for Summarize.
type CostScope string

const (
	CostScopeSession CostScope = "session"
	CostScopeUser    CostScope = "user"
	CostScopeGlobal  CostScope = "global"
)

// CostFilter narrows a ledger query.
type CostFilter struct {
	Scope CostScope
	Key   string // session ID or user ID; ignored for global scope
	Since time.Time
	Until time.Time // zero = now
}

// CostSummary is an aggregate over matching ledger entries.
type CostSummary struct {
	Records   int     `json:"records"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// CostLedger is the persistence boundary for cost records.
type CostLedger interface {
	// Append writes a batch of records. Partial writes are not permitted:
	// either all records land or the batch fails.
	Append(ctx context.Context, records []CostRecord) error
	// Query aggregates matching records.
	Query(ctx context.Context, filter CostFilter) (CostSummary, error)
	Close() error
}
