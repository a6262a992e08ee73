// Package ledger persists append-only cost records.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ensemble/internal/domain"
)

// SQLiteLedger implements domain.CostLedger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cost_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			agent_key  TEXT NOT NULL,
			provider   TEXT NOT NULL,
			tokens_in  INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			cost_usd   REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cost_session ON cost_records(session_id, ts);
		CREATE INDEX IF NOT EXISTS idx_cost_user ON cost_records(user_id, ts);
	`)
	return err
}

// Append implements domain.CostLedger. The batch is written in a single
// transaction: either every record lands or none do.
func (l *SQLiteLedger) Append(ctx context.Context, records []domain.CostRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO cost_records (ts, session_id, user_id, agent_key, provider, tokens_in, tokens_out, cost_usd) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.SessionID, rec.UserID, rec.AgentKey, rec.Provider,
			rec.TokensIn, rec.TokensOut, rec.CostUSD,
		)
		if err != nil {
			return fmt.Errorf("insert cost record: %w", err)
		}
	}

	return tx.Commit()
}

// Query implements domain.CostLedger.
func (l *SQLiteLedger) Query(ctx context.Context, filter domain.CostFilter) (domain.CostSummary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM cost_records WHERE ts >= ?`
	args := []any{filter.Since.UTC().Format(time.RFC3339Nano)}

	until := filter.Until
	if until.IsZero() {
		until = time.Now()
	}
	query += " AND ts <= ?"
	args = append(args, until.UTC().Format(time.RFC3339Nano))

	switch filter.Scope {
	case domain.CostScopeSession:
		query += " AND session_id = ?"
		args = append(args, filter.Key)
	case domain.CostScopeUser:
		query += " AND user_id = ?"
		args = append(args, filter.Key)
	case domain.CostScopeGlobal:
	default:
		return domain.CostSummary{}, domain.NewDomainError("SQLiteLedger.Query", domain.ErrInvalidInput,
			fmt.Sprintf("unknown scope %q", filter.Scope))
	}

	var summary domain.CostSummary
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.Records, &summary.TokensIn, &summary.TokensOut, &summary.CostUSD,
	)
	if err != nil {
		return domain.CostSummary{}, fmt.Errorf("query ledger: %w", err)
	}
	return summary, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

var _ domain.CostLedger = (*SQLiteLedger)(nil)
