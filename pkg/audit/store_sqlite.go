package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aural-labs/selfsession/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit entries. It implements Sink. Rows are insert-
// only: the store exposes no update or delete.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %q: %w", path, err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        id TEXT PRIMARY KEY,
        timestamp DATETIME NOT NULL,
        kind TEXT NOT NULL,
        session_id TEXT NOT NULL,
        prior_state TEXT,
        new_state TEXT,
        reason TEXT,
        authority_valid INTEGER,
        detail JSON,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
    CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_entries(kind);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Store inserts one entry. Part of the Sink interface.
func (s *SQLiteStore) Store(entry Entry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}

	var authorityValid interface{}
	if entry.AuthorityValid != nil {
		authorityValid = *entry.AuthorityValid
	}

	query := `
        INSERT INTO audit_entries
            (id, timestamp, kind, session_id, prior_state, new_state, reason, authority_valid, detail, prev_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(context.Background(), query,
		entry.ID,
		entry.Timestamp,
		string(entry.Kind),
		entry.SessionID,
		string(entry.PriorState),
		string(entry.NewState),
		entry.Reason,
		authorityValid,
		string(detailJSON),
		entry.PrevHash,
		entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry %s: %w", entry.ID, err)
	}
	return nil
}

// Load returns every stored entry in append order.
func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	query := `
        SELECT id, timestamp, kind, session_id, prior_state, new_state, reason, authority_valid, detail, prev_hash, hash
        FROM audit_entries
        ORDER BY timestamp ASC, id ASC
    `
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit: load entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			kind           string
			prior, next    string
			ts             time.Time
			authorityValid sql.NullBool
			detailJSON     sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &e.SessionID, &prior, &next, &e.Reason, &authorityValid, &detailJSON, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Timestamp = ts.UTC()
		e.Kind = Kind(kind)
		e.PriorState = contracts.SessionState(prior)
		e.NewState = contracts.SessionState(next)
		if authorityValid.Valid {
			v := authorityValid.Bool
			e.AuthorityValid = &v
		}
		if detailJSON.Valid && detailJSON.String != "" && detailJSON.String != "null" {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
