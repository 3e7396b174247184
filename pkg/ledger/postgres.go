package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS ledger_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	workflow_id TEXT NOT NULL,
	step_id     TEXT,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

const insertEventSQL = `INSERT INTO ledger_events (id, workflow_id, step_id, type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

const selectEventsSQL = `SELECT payload FROM ledger_events WHERE workflow_id = $1 ORDER BY seq`

// Postgres stores events in an insert-only table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn with the lib/pq driver and creates the table.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	l := NewPostgresFromDB(db)
	if err := l.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewPostgresFromDB wraps an open database handle.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the ledger table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

func (p *Postgres) Write(ctx context.Context, e Event) error {
	e = stamp(e)
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var stepID sql.NullString
	if e.StepID != "" {
		stepID = sql.NullString{String: e.StepID, Valid: true}
	}
	if _, err := p.db.ExecContext(ctx, insertEventSQL, e.ID, e.WorkflowID, stepID, string(e.Type), payload, e.Timestamp); err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func (p *Postgres) Read(ctx context.Context, workflowID string) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, selectEventsSQL, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode ledger payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
