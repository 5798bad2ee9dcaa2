package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentplane/gap/pkg/contracts"
)

// PostgresStore persists decision records in Postgres. Like the SQLite
// store it is insert-only; retention is an external audit policy, never
// a delete path in code.
type PostgresStore struct {
	db *sql.DB
}

const pgLedgerSchema = `
CREATE TABLE IF NOT EXISTS decision_records (
	sequence BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	action_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	phase TEXT NOT NULL,
	verdict TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	record_json JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_records_action ON decision_records(action_id);
`

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with a lib/pq DSN and ensures the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Init creates the ledger table if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgLedgerSchema)
	if err != nil {
		return fmt.Errorf("migrate ledger db: %w", err)
	}
	return nil
}

// Persist inserts one appended record.
func (s *PostgresStore) Persist(rec contracts.DecisionRecord) error {
	full, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO decision_records
			(sequence, id, action_id, action_type, phase, verdict, ts, previous_hash, hash, record_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Sequence, rec.ID, rec.ActionID, rec.ActionType, string(rec.Phase),
		string(rec.Verdict), rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.PreviousHash, rec.Hash, full,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns all persisted records in chain order.
func (s *PostgresStore) Load() ([]contracts.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT record_json FROM decision_records ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec contracts.DecisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }
