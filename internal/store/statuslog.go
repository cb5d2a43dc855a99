package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/karflow/pkg/schema"
)

// AppendActionStatuses archives ledger entries for a run. Entries already
// archived under the same (run_id, seq) are left untouched, so re-archiving a
// resumed run's full ledger is safe.
func (s *LibSQLStore) AppendActionStatuses(ctx context.Context, records []ActionStatusRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force the write lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeError("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeError("cleanup write lock", err)
	}

	for _, r := range records {
		if r.RunID == "" || r.Seq <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid status record %q/%d", r.RunID, r.Seq)
		}
		at := r.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO action_status (run_id, seq, action_id, status, detail, at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, r.Seq, r.ActionID, string(r.Status), nullStr(r.Detail), at,
		); err != nil {
			return storeError("insert action status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit action statuses", err)
	}
	return nil
}

// ListActionStatuses returns a run's archived ledger ordered by sequence.
func (s *LibSQLStore) ListActionStatuses(ctx context.Context, runID string) ([]*ActionStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, action_id, status, detail, at
		 FROM action_status WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, storeError("list action statuses", err)
	}
	defer rows.Close()

	var out []*ActionStatusRecord
	for rows.Next() {
		r := &ActionStatusRecord{}
		var status string
		var detail sql.NullString
		if err := rows.Scan(&r.RunID, &r.Seq, &r.ActionID, &status, &detail, &r.At); err != nil {
			return nil, storeError("scan action status", err)
		}
		r.Status = schema.ActionStatus(status)
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplayStatuses folds a run's archived ledger into the latest status per
// action. Returns a STORE error if sequence gaps are detected.
func ReplayStatuses(ctx context.Context, s Store, runID string) (map[string]*ActionStatusRecord, error) {
	records, err := s.ListActionStatuses(ctx, runID)
	if err != nil {
		return nil, err
	}

	for i, r := range records {
		expected := int64(i + 1)
		if r.Seq != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, r.Seq)
		}
	}

	latest := make(map[string]*ActionStatusRecord, len(records))
	for _, r := range records {
		latest[r.ActionID] = r
	}
	return latest, nil
}
