package lineage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentplane/gap/pkg/contracts"
)

// SQLiteStore persists decision records in SQLite. The table is
// insert-only; no update or delete statement exists in this package.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a ledger database at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_records (
		sequence INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		action_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		phase TEXT NOT NULL,
		verdict TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		record_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_action ON decision_records(action_id);
	CREATE INDEX IF NOT EXISTS idx_decision_verdict ON decision_records(verdict);`
	_, err := s.db.Exec(query)
	if err != nil {
		return fmt.Errorf("migrate ledger db: %w", err)
	}
	return nil
}

// Persist inserts one appended record.
func (s *SQLiteStore) Persist(rec contracts.DecisionRecord) error {
	full, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO decision_records
			(sequence, id, action_id, action_type, phase, verdict, timestamp, previous_hash, hash, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.ID, rec.ActionID, rec.ActionType, string(rec.Phase),
		string(rec.Verdict), rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.PreviousHash, rec.Hash, string(full),
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns all persisted records in chain order, for rebuilding an
// in-memory ledger at startup.
func (s *SQLiteStore) Load() ([]contracts.DecisionRecord, error) {
	rows, err := s.db.Query(`SELECT record_json FROM decision_records ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec contracts.DecisionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ByAction returns persisted records for one action id in chain order.
func (s *SQLiteStore) ByAction(actionID string) ([]contracts.DecisionRecord, error) {
	rows, err := s.db.Query(
		`SELECT record_json FROM decision_records WHERE action_id = ? ORDER BY sequence`, actionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec contracts.DecisionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
