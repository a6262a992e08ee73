package ledger

import (
	"context"
	"sync"
	"time"

	"ensemble/internal/domain"
)

// MemoryLedger is an in-memory domain.CostLedger for tests and setups
// without a ledger file configured.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []domain.CostRecord
	failing bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// SetFailing toggles simulated persistence failure (tests only).
func (l *MemoryLedger) SetFailing(failing bool) {
	l.mu.Lock()
	l.failing = failing
	l.mu.Unlock()
}

// Append implements domain.CostLedger.
func (l *MemoryLedger) Append(_ context.Context, records []domain.CostRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return domain.ErrPersistenceDegraded
	}
	l.records = append(l.records, records...)
	return nil
}

// Query implements domain.CostLedger.
func (l *MemoryLedger) Query(_ context.Context, filter domain.CostFilter) (domain.CostSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	until := filter.Until
	if until.IsZero() {
		until = time.Now()
	}

	var summary domain.CostSummary
	for _, rec := range l.records {
		if rec.Timestamp.Before(filter.Since) || rec.Timestamp.After(until) {
			continue
		}
		switch filter.Scope {
		case domain.CostScopeSession:
			if rec.SessionID != filter.Key {
				continue
			}
		case domain.CostScopeUser:
			if rec.UserID != filter.Key {
				continue
			}
		}
		summary.Records++
		summary.TokensIn += rec.TokensIn
		summary.TokensOut += rec.TokensOut
		summary.CostUSD += rec.CostUSD
	}
	return summary, nil
}

// Records returns a copy of all stored records (tests only).
func (l *MemoryLedger) Records() []domain.CostRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]domain.CostRecord, len(l.records))
	copy(cp, l.records)
	return cp
}

// Close implements domain.CostLedger.
func (l *MemoryLedger) Close() error { return nil }

var _ domain.CostLedger = (*MemoryLedger)(nil)
