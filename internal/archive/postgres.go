// Package archive provides an append-only PostgreSQL audit trail of
// terminal task outcomes. Nothing is ever read back to restore queue
// state; the table exists for operators and the status API only.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nadmax/dispatchcore/internal/queue"
)

type PostgresArchive struct {
	db *sql.DB
}

// OutcomeRow is one archived terminal outcome.
type OutcomeRow struct {
	TaskID     string     `json:"task_id"`
	Name       string     `json:"name"`
	ContextID  string     `json:"context_id"`
	Priority   int        `json:"priority"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs *int       `json:"duration_ms,omitempty"`
}

func NewPostgresArchive(connectionString string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresArchive{db: db}, nil
}

// RecordOutcome appends one terminal task outcome. It implements
// queue.Archiver.
func (a *PostgresArchive) RecordOutcome(ctx context.Context, t queue.Task) error {
	query := `
		INSERT INTO task_outcomes (
			task_id, name, context_id, priority, status,
			error, created_at, started_at, ended_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var durationMs any
	if t.StartedAt != nil && t.EndedAt != nil {
		durationMs = int(t.EndedAt.Sub(*t.StartedAt).Milliseconds())
	}

	_, err := a.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Name,
		t.ContextID,
		t.Priority,
		string(t.Status),
		t.Error,
		t.CreatedAt,
		t.StartedAt,
		t.EndedAt,
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to archive outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns the newest archived outcomes for the status API.
func (a *PostgresArchive) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRow, error) {
	query := `
		SELECT task_id, name, context_id, priority, status,
		       error, created_at, started_at, ended_at, duration_ms
		FROM task_outcomes
		ORDER BY ended_at DESC
		LIMIT $1
	`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutcomeRow
	for rows.Next() {
		var (
			row        OutcomeRow
			errText    sql.NullString
			startedAt  sql.NullTime
			endedAt    sql.NullTime
			durationMs sql.NullInt64
		)
		if err := rows.Scan(
			&row.TaskID, &row.Name, &row.ContextID, &row.Priority, &row.Status,
			&errText, &row.CreatedAt, &startedAt, &endedAt, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		if errText.Valid {
			row.Error = errText.String
		}
		if startedAt.Valid {
			row.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			row.EndedAt = &endedAt.Time
		}
		if durationMs.Valid {
			ms := int(durationMs.Int64)
			row.DurationMs = &ms
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
