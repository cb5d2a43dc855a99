package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/karflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

// insertSQL builds an INSERT with one placeholder per listed column.
func insertSQL(table, columns string) string {
	n := len(strings.Split(columns, ","))
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

const runColumns = `id, parent_run_id, kar_id, kar_version, patient_id, notification_id, x_correlation_id, x_request_id, status, error, started_at, completed_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		insertSQL("runs", runColumns),
		run.ID, nullStr(run.ParentRunID), run.KARID, run.KARVersion, run.PatientID,
		nullStr(run.NotificationID), nullStr(run.CorrelationID), nullStr(run.RequestID),
		run.Status, nullRaw(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return storeError("create run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeError("get run", err)
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update run", err)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.KARID != "" {
		where = append(where, "kar_id = ?")
		args = append(args, filter.KARID)
	}
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storeError("scan run", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var parentID, notificationID, correlationID, requestID, errJSON sql.NullString
	var completedAt sql.NullTime
	if err := sc.Scan(&r.ID, &parentID, &r.KARID, &r.KARVersion, &r.PatientID,
		&notificationID, &correlationID, &requestID, &r.Status, &errJSON,
		&r.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	r.ParentRunID = parentID.String
	r.NotificationID = notificationID.String
	r.CorrelationID = correlationID.String
	r.RequestID = requestID.String
	r.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// --- Public-health messages ---

const messageColumns = `id, run_id, fhir_server_base_url, patient_id, encounter_id, notified_resource_id, notified_resource_type,
	notification_id, x_correlation_id, x_request_id, submitted_fhir_data, submitted_cda_data, submitted_message_type,
	submitted_data_id, submitted_message_id, submitted_version_number, initiating_action, kar_unique_id,
	trigger_match_status, created_at`

// MaxVersion returns the highest stored version for key, or 0 if none exist.
func (s *LibSQLStore) MaxVersion(ctx context.Context, key LogicalKey) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(submitted_version_number), 0) FROM ph_messages WHERE logical_key = ?`, key.String(),
	).Scan(&v)
	if err != nil {
		return 0, storeError("max version", err)
	}
	return v, nil
}

// SavePHMessage inserts a new message version. A zero SubmittedVersion is
// assigned MaxVersion+1. A caller-supplied version must be exactly
// MaxVersion+1, otherwise the write is rejected with INTEGRITY_VIOLATION.
func (s *LibSQLStore) SavePHMessage(ctx context.Context, msg *PHMessage) error {
	if msg.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "message id is required")
	}
	key := msg.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin tx", err)
	}
	defer tx.Rollback()

	// Force the write lock before reading MAX so concurrent writers serialize.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeError("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeError("release lock noop", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(submitted_version_number), 0) FROM ph_messages WHERE logical_key = ?`, key.String(),
	).Scan(&current); err != nil {
		return storeError("max version", err)
	}

	switch {
	case msg.SubmittedVersion == 0:
		msg.SubmittedVersion = current + 1
	case msg.SubmittedVersion != current+1:
		return schema.NewErrorf(schema.ErrCodeIntegrity,
			"version %d for %s is not the successor of %d", msg.SubmittedVersion, key.String(), current).
			WithDetails(map[string]any{"submitted_data_id": msg.SubmittedDataID})
	}
	msg.CreatedAt = timeOrNow(msg.CreatedAt)

	_, err = tx.ExecContext(ctx,
		insertSQL("ph_messages", "logical_key, "+messageColumns),
		key.String(), msg.ID, nullStr(msg.RunID), msg.FHIRServerBaseURL, msg.PatientID, msg.EncounterID,
		msg.NotifiedResourceID, msg.NotifiedResourceType,
		nullStr(msg.NotificationID), nullStr(msg.CorrelationID), nullStr(msg.RequestID),
		nullRaw(msg.SubmittedFHIRData), nullStr(msg.SubmittedCdaData), nullStr(msg.SubmittedMessageType),
		msg.SubmittedDataID, nullStr(msg.SubmittedMessageID), msg.SubmittedVersion,
		msg.InitiatingAction, msg.KARUniqueID, msg.TriggerMatchStatus, msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeIntegrity,
				"message %s version %d already stored", key.String(), msg.SubmittedVersion).WithCause(err)
		}
		return storeError("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit message", err)
	}
	return nil
}

func (s *LibSQLStore) GetPHMessage(ctx context.Context, id string) (*PHMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM ph_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("message", id)
	}
	if err != nil {
		return nil, storeError("get message", err)
	}
	return m, nil
}

func (s *LibSQLStore) ListPHMessages(ctx context.Context, filter MessageFilter) ([]*PHMessage, error) {
	var where []string
	var args []any

	eq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	eq("patient_id", filter.PatientID)
	eq("encounter_id", filter.EncounterID)
	eq("notified_resource_id", filter.NotifiedResourceID)
	eq("x_correlation_id", filter.CorrelationID)
	eq("x_request_id", filter.RequestID)
	eq("submitted_data_id", filter.SubmittedDataID)
	eq("submitted_message_id", filter.SubmittedMessageID)
	eq("kar_unique_id", filter.KARUniqueID)
	eq("run_id", filter.RunID)
	if filter.Version > 0 {
		where = append(where, "submitted_version_number = ?")
		args = append(args, filter.Version)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + messageColumns + ` FROM ph_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logical_key, submitted_version_number ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	defer rows.Close()

	var msgs []*PHMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeError("scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(sc scanner) (*PHMessage, error) {
	m := &PHMessage{}
	var runID, notificationID, correlationID, requestID sql.NullString
	var fhirData, cdaData, msgType, msgID sql.NullString
	if err := sc.Scan(&m.ID, &runID, &m.FHIRServerBaseURL, &m.PatientID, &m.EncounterID,
		&m.NotifiedResourceID, &m.NotifiedResourceType,
		&notificationID, &correlationID, &requestID, &fhirData, &cdaData, &msgType,
		&m.SubmittedDataID, &msgID, &m.SubmittedVersion, &m.InitiatingAction, &m.KARUniqueID,
		&m.TriggerMatchStatus, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.RunID = runID.String
	m.NotificationID = notificationID.String
	m.CorrelationID = correlationID.String
	m.RequestID = requestID.String
	m.SubmittedFHIRData = rawOrNil(fhirData)
	m.SubmittedCdaData = cdaData.String
	m.SubmittedMessageType = msgType.String
	m.SubmittedMessageID = msgID.String
	return m, nil
}

// --- Scheduled actions ---

const scheduledColumns = `id, run_id, kar_id, kar_version, action_id, due_at, snapshot, status, attempts, last_error, created_at, updated_at`

func (s *LibSQLStore) CreateScheduledAction(ctx context.Context, sa *ScheduledAction) error {
	if sa.Status == "" {
		sa.Status = ScheduledPending
	}
	sa.CreatedAt = timeOrNow(sa.CreatedAt)
	sa.UpdatedAt = timeOrNow(sa.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		insertSQL("scheduled_actions", scheduledColumns),
		sa.ID, sa.RunID, sa.KARID, sa.KARVersion, sa.ActionID, sa.DueAt, string(sa.Snapshot),
		sa.Status, sa.Attempts, nullStr(sa.LastError), sa.CreatedAt, sa.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "scheduled action %q already exists", sa.ID).WithCause(err)
		}
		return storeError("create scheduled action", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledAction(ctx context.Context, id string) (*ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_actions WHERE id = ?`, id)
	sa, err := scanScheduled(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_action", id)
	}
	if err != nil {
		return nil, storeError("get scheduled action", err)
	}
	return sa, nil
}

func (s *LibSQLStore) UpdateScheduledAction(ctx context.Context, id string, update ScheduledActionUpdate) error {
	var sets []string
	var args []any

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.DueAt != nil {
		sets = append(sets, "due_at = ?")
		args = append(args, *update.DueAt)
	}
	if update.Snapshot != nil {
		sets = append(sets, "snapshot = ?")
		args = append(args, string(update.Snapshot))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.Attempt {
		sets = append(sets, "attempts = attempts + 1")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE scheduled_actions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update scheduled action", err)
	}
	return checkRowsAffected(res, "scheduled_action", id)
}

func (s *LibSQLStore) ListScheduledActions(ctx context.Context, filter ScheduledActionFilter) ([]*ScheduledAction, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at <= ?")
		args = append(args, *filter.DueBefore)
	}

	query := `SELECT ` + scheduledColumns + ` FROM scheduled_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list scheduled actions", err)
	}
	defer rows.Close()

	var out []*ScheduledAction
	for rows.Next() {
		sa, err := scanScheduled(rows)
		if err != nil {
			return nil, storeError("scan scheduled action", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func scanScheduled(sc scanner) (*ScheduledAction, error) {
	sa := &ScheduledAction{}
	var snapshot string
	var lastErr sql.NullString
	if err := sc.Scan(&sa.ID, &sa.RunID, &sa.KARID, &sa.KARVersion, &sa.ActionID, &sa.DueAt,
		&snapshot, &sa.Status, &sa.Attempts, &lastErr, &sa.CreatedAt, &sa.UpdatedAt); err != nil {
		return nil, err
	}
	sa.Snapshot = json.RawMessage(snapshot)
	sa.LastError = lastErr.String
	return sa, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.KarError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.KarError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
