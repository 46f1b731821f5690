// Package store persists correlation matches in SQLite: the wing run /
// result / match tables written by the streaming correlators, the FTS5
// candidate index used by the pattern-matching engine, and the batched
// classification write path.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS wing_runs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	case_name  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata   TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS wing_results (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES wing_runs(id),
	engine     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS matches (
	id                  TEXT PRIMARY KEY,
	result_id           TEXT NOT NULL DEFAULT '',
	run_id              TEXT NOT NULL,
	matched_identity    TEXT NOT NULL DEFAULT '',
	identity_type       TEXT NOT NULL DEFAULT '',
	records_json        TEXT NOT NULL DEFAULT '{}',
	classification_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_matches_run ON matches(run_id);
CREATE INDEX IF NOT EXISTS idx_matches_identity ON matches(run_id, matched_identity);

CREATE VIRTUAL TABLE IF NOT EXISTS matches_fts USING fts5(
	content,
	match_id UNINDEXED,
	run_id UNINDEXED
);

CREATE TABLE IF NOT EXISTS candidate_index_state (
	run_id   TEXT PRIMARY KEY,
	built_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps one SQLite connection to a match database. Each mapper
// worker opens its own read-only Store; the coordinator owns the single
// writable one.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	logger   *zap.Logger
}

// Open opens (creating if needed) a writable match store and ensures the
// schema exists.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening match store %s: %w", path, err)
	}
	s := &Store{db: db, path: path, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing store for reading. Workers use this so no
// connection is shared mutably across goroutines.
func OpenReadOnly(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening match store %s read-only: %w", path, err)
	}
	return &Store{db: db, path: path, readOnly: true, logger: logger}, nil
}

func (s *Store) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string { return s.path }

// Close releases the connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a wing run row. Idempotent on run id.
func (s *Store) CreateRun(ctx context.Context, run domain.WingInfo, caseName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wing_runs (id, name, case_name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		run.RunID, run.RunName, caseName)
	return err
}

// CreateResult inserts a logical sub-run row under a wing run.
func (s *Store) CreateResult(ctx context.Context, resultID, runID, engine string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wing_results (id, run_id, engine) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		resultID, runID, engine)
	return err
}

// InsertMatches writes a batch of matches under one transaction.
func (s *Store) InsertMatches(ctx context.Context, runID, resultID string, matches []*domain.Match) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matches (id, result_id, run_id, matched_identity, identity_type, records_json, classification_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range matches {
		records, err := json.Marshal(m.Records)
		if err != nil {
			return fmt.Errorf("encoding records for match %s: %w", m.ID, err)
		}
		classifications := []byte("{}")
		if len(m.Classifications) > 0 {
			if classifications, err = json.Marshal(m.Classifications); err != nil {
				return fmt.Errorf("encoding classifications for match %s: %w", m.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, m.ID, resultID, runID,
			m.MatchedIdentity, string(m.IdentityType), string(records), string(classifications)); err != nil {
			return fmt.Errorf("inserting match %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// CountMatches returns the number of matches persisted for a run.
func (s *Store) CountMatches(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM matches WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// MatchIDs returns every match id for a run in insertion order.
func (s *Store) MatchIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM matches WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MatchPage reads one page of matches for a run.
func (s *Store) MatchPage(ctx context.Context, runID string, offset, limit int) ([]*domain.Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, matched_identity, identity_type, records_json, classification_json
		 FROM matches WHERE run_id = ? ORDER BY rowid LIMIT ? OFFSET ?`,
		runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// MatchesByIDs fetches specific matches. Used by mapper workers to pull
// their shard of candidates.
func (s *Store) MatchesByIDs(ctx context.Context, ids []string) ([]*domain.Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, matched_identity, identity_type, records_json, classification_json
		 FROM matches WHERE id IN (`+placeholders+`) ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func scanMatches(rows *sql.Rows) ([]*domain.Match, error) {
	var out []*domain.Match
	for rows.Next() {
		var (
			m               domain.Match
			identityType    string
			recordsJSON     string
			classifications string
		)
		if err := rows.Scan(&m.ID, &m.MatchedIdentity, &identityType, &recordsJSON, &classifications); err != nil {
			return nil, err
		}
		m.IdentityType = domain.IdentityType(identityType)
		if err := json.Unmarshal([]byte(recordsJSON), &m.Records); err != nil {
			return nil, fmt.Errorf("decoding records for match %s: %w", m.ID, err)
		}
		if classifications != "" && classifications != "{}" {
			if err := json.Unmarshal([]byte(classifications), &m.Classifications); err != nil {
				return nil, fmt.Errorf("decoding classifications for match %s: %w", m.ID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ApplyClassifications merges classification entries into the given match
// rows inside one transaction. Existing entries are preserved; merging is
// per rule id, never a destructive overwrite.
func (s *Store) ApplyClassifications(ctx context.Context, updates map[string]map[string]domain.Classification) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	updated := 0
	for matchID, entries := range updates {
		var existingJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT classification_json FROM matches WHERE id = ?`, matchID).Scan(&existingJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, err
		}

		existing := make(map[string]domain.Classification)
		if existingJSON != "" && existingJSON != "{}" {
			if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
				return 0, fmt.Errorf("decoding classifications for match %s: %w", matchID, err)
			}
		}
		changed := false
		for ruleID, c := range entries {
			if _, ok := existing[ruleID]; ok {
				continue
			}
			existing[ruleID] = c
			changed = true
		}
		if !changed {
			continue
		}
		merged, err := json.Marshal(existing)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE matches SET classification_json = ? WHERE id = ?`,
			string(merged), matchID); err != nil {
			return 0, err
		}
		updated++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return updated, nil
}

// IdentityUpdate carries a discovered identity back onto its match row.
type IdentityUpdate struct {
	MatchID  string
	Identity string
	Type     domain.IdentityType
}

// WriteIdentities populates the matched_identity shortcut column for the
// given matches. Idempotent: rows that already carry an identity are left
// alone unless force is set.
func (s *Store) WriteIdentities(ctx context.Context, updates []IdentityUpdate, force bool) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `UPDATE matches SET matched_identity = ?, identity_type = ? WHERE id = ? AND matched_identity = ''`
	if force {
		query = `UPDATE matches SET matched_identity = ?, identity_type = ? WHERE id = ?`
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Identity, string(u.Type), u.MatchID)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}
