package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// HasCandidateIndex reports whether the FTS candidate index was already
// built for a run, so a later phase can reuse it.
func (s *Store) HasCandidateIndex(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM candidate_index_state WHERE run_id = ?`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// BuildCandidateIndex populates the full-text index over match payloads for
// a run. Lazy: an already-built index is reused unless rebuild is set.
// Returns the number of indexed matches.
func (s *Store) BuildCandidateIndex(ctx context.Context, runID string, rebuild bool) (int, error) {
	if !rebuild {
		built, err := s.HasCandidateIndex(ctx, runID)
		if err != nil {
			return 0, err
		}
		if built {
			return 0, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM matches_fts WHERE run_id = ?`, runID); err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, matched_identity, records_json FROM matches WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}

	type ftsRow struct {
		matchID string
		content string
	}
	var pending []ftsRow
	for rows.Next() {
		var id, identity, recordsJSON string
		if err := rows.Scan(&id, &identity, &recordsJSON); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, ftsRow{matchID: id, content: ftsContent(identity, recordsJSON)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matches_fts (content, match_id, run_id) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, row := range pending {
		if _, err := stmt.ExecContext(ctx, row.content, row.matchID, runID); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO candidate_index_state (run_id) VALUES (?)
		 ON CONFLICT(run_id) DO UPDATE SET built_at = CURRENT_TIMESTAMP`, runID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Debug("Candidate index built",
		zap.String("run_id", runID),
		zap.Int("matches", len(pending)))
	return len(pending), nil
}

// CandidateIDs shrinks the evaluation set with an OR-query over the
// extracted rule terms. Callers must treat an empty result as "fall back
// to all matches" when the run has matches.
func (s *Store) CandidateIDs(ctx context.Context, runID string, terms []string) ([]string, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if term == "" {
			continue
		}
		quoted = append(quoted, `"`+term+`"`)
	}
	if len(quoted) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT match_id FROM matches_fts WHERE matches_fts MATCH ? AND run_id = ?`,
		strings.Join(quoted, " OR "), runID)
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

// ftsContent flattens the match's string values into one searchable blob.
func ftsContent(identity, recordsJSON string) string {
	var records map[string]map[string]any
	parts := make([]string, 0, 16)
	if identity != "" {
		parts = append(parts, identity)
	}
	if err := json.Unmarshal([]byte(recordsJSON), &records); err == nil {
		for _, payload := range records {
			for _, v := range payload {
				flattenStrings(v, &parts)
			}
		}
	}
	return strings.Join(parts, " ")
}

func flattenStrings(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*out = append(*out, val)
		}
	case []any:
		for _, item := range val {
			flattenStrings(item, out)
		}
	case map[string]any:
		for _, item := range val {
			flattenStrings(item, out)
		}
	}
}
