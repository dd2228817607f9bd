package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for run history persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	CreateRun(ctx context.Context, rec *RunRecord) error
	UpdateRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, scriptID string, limit int) ([]RunRecord, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// History list bounds.
const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// runColumns is the SELECT column list for run queries.
const runColumns = `id, script_id, correlation_id, user_id, status,
			started_at, finished_at, duration_ms, steps, error, error_path`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRun inserts a new run record.
func (r *SQLiteRepository) CreateRun(ctx context.Context, rec *RunRecord) error {
	query := `
		INSERT INTO script_runs (
			id, script_id, correlation_id, user_id, status,
			started_at, finished_at, duration_ms, steps, error, error_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.ScriptID,
		rec.CorrelationID,
		nullableString(rec.UserID),
		string(rec.Status),
		rec.StartedAt.UTC().Format(timeFormat),
		nullableTime(rec.FinishedAt),
		nullableInt64(rec.DurationMS),
		rec.Steps,
		nullableString(rec.Error),
		nullableString(rec.ErrorPath),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: run %s", ErrExists, rec.ID)
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun records the outcome of a run.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, rec *RunRecord) error {
	query := `
		UPDATE script_runs SET
			status = ?, finished_at = ?, duration_ms = ?, steps = ?,
			error = ?, error_path = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(rec.Status),
		nullableTime(rec.FinishedAt),
		nullableInt64(rec.DurationMS),
		rec.Steps,
		nullableString(rec.Error),
		nullableString(rec.ErrorPath),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM script_runs WHERE id = ?`

	rec, err := scanRunRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs of a script, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, scriptID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	query := `SELECT ` + runColumns + `
		FROM script_runs
		WHERE script_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, scriptID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, scanErr := scanRunRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes finished runs that started before the cutoff.
func (r *SQLiteRepository) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM script_runs WHERE started_at < ? AND status != ?`,
		before.UTC().Format(timeFormat),
		string(RunStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(scanner rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var userID, finishedAt, errMsg, errPath sql.NullString
	var durationMS sql.NullInt64
	var status, startedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.ScriptID,
		&rec.CorrelationID,
		&userID,
		&status,
		&startedAt,
		&finishedAt,
		&durationMS,
		&rec.Steps,
		&errMsg,
		&errPath,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = RunStatus(status)
	if t, parseErr := time.Parse(timeFormat, startedAt); parseErr == nil {
		rec.StartedAt = t
	}
	if finishedAt.Valid {
		if t, parseErr := time.Parse(timeFormat, finishedAt.String); parseErr == nil {
			rec.FinishedAt = &t
		}
	}
	if userID.Valid {
		rec.UserID = &userID.String
	}
	if durationMS.Valid {
		d := durationMS.Int64
		rec.DurationMS = &d
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	if errPath.Valid {
		rec.ErrorPath = &errPath.String
	}
	return &rec, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func nullableInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
