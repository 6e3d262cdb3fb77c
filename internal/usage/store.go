// Package usage is an append-only SQLite ledger of completion token usage.
// The ledger outlives the process, so the governor's daily counter can be
// restored after a restart.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"echoroom-agent/internal/domain"
)

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int   `json:"totalRecords"`
	TotalTokens       int64 `json:"totalTokens"`
	TotalInputTokens  int64 `json:"totalInputTokens"`
	TotalOutputTokens int64 `json:"totalOutputTokens"`
}

// Store is safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the ledger at path, creating the schema on first use.
// ":memory:" gives a private in-memory ledger.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("usage: database path must not be empty")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}
	if path == ":memory:" {
		// Every new connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		day           TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		persona_id    TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		tokens        INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_records(day);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordUsage appends one record. A missing ID gets a UUIDv7 and a zero
// timestamp is set to now.
func (s *Store) RecordUsage(ctx context.Context, rec domain.UsageRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage: generate record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	ts := rec.Timestamp.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, day, session_id, persona_id, model, provider, tokens, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		ts.Format(time.RFC3339Nano),
		ts.Format(time.DateOnly),
		rec.SessionID,
		rec.PersonaID,
		rec.Model,
		rec.Provider,
		rec.Tokens,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("usage: insert record: %w", err)
	}
	return nil
}

// DailyTotal returns the tokens charged on day (YYYY-MM-DD, UTC).
func (s *Store) DailyTotal(ctx context.Context, day string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM usage_records WHERE day = ?`, day,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("usage: query daily total: %w", err)
	}
	return total, nil
}

// Summary returns totals for day.
func (s *Store) Summary(ctx context.Context, day string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE day = ?`, day,
	).Scan(&sum.TotalRecords, &sum.TotalTokens, &sum.TotalInputTokens, &sum.TotalOutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("usage: query summary: %w", err)
	}
	return sum, nil
}

// SummaryByPersona returns per-persona totals for day.
func (s *Store) SummaryByPersona(ctx context.Context, day string) (map[string]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE day = ?
		 GROUP BY persona_id`, day,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: query by persona: %w", err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var persona string
		var sum Summary
		if err := rows.Scan(&persona, &sum.TotalRecords, &sum.TotalTokens, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("usage: scan by persona: %w", err)
		}
		result[persona] = sum
	}
	return result, rows.Err()
}
