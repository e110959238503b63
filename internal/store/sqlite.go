package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createAlgorithmsTable = `
CREATE TABLE IF NOT EXISTS algorithms (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    descriptor  TEXT NOT NULL,
    deployed_at DATETIME NOT NULL,
    UNIQUE (name, version)
)`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    algorithm_id  TEXT NOT NULL,
    device        TEXT NOT NULL,
    status        TEXT NOT NULL,
    progress      REAL NOT NULL DEFAULT 0,
    inputs        TEXT NOT NULL,
    parameters    TEXT,
    session_token TEXT,
    timeout_s     INTEGER,
    result_ids    TEXT,
    error_kind    TEXT,
    error_stage   TEXT,
    error_message TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    completed_at  DATETIME
)`

const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    level      TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (task_id, seq)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"algorithms": createAlgorithmsTable,
		"tasks":      createTasksTable,
		"task_logs":  createTaskLogsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAlgorithm inserts a descriptor. A descriptor with the same name and
// version yields ErrConflict.
func (s *SQLiteStore) CreateAlgorithm(ctx context.Context, a *model.Algorithm) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode algorithm: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO algorithms (id, name, version, descriptor, deployed_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.Name, a.Version, string(data), a.DeployedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert algorithm: %w", err)
	}
	return nil
}

// GetAlgorithm retrieves a descriptor by ID.
func (s *SQLiteStore) GetAlgorithm(ctx context.Context, id string) (*model.Algorithm, error) {
	return s.scanAlgorithm(s.db.QueryRowContext(ctx, "SELECT descriptor FROM algorithms WHERE id = ?", id))
}

// GetAlgorithmByName retrieves a descriptor by name and version.
func (s *SQLiteStore) GetAlgorithmByName(ctx context.Context, name, version string) (*model.Algorithm, error) {
	return s.scanAlgorithm(s.db.QueryRowContext(ctx,
		"SELECT descriptor FROM algorithms WHERE name = ? AND version = ?", name, version))
}

func (s *SQLiteStore) scanAlgorithm(row *sql.Row) (*model.Algorithm, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get algorithm: %w", err)
	}
	var a model.Algorithm
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("decode algorithm: %w", err)
	}
	return &a, nil
}

// ListAlgorithms returns every descriptor ordered by name then deploy time.
func (s *SQLiteStore) ListAlgorithms(ctx context.Context) ([]*model.Algorithm, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT descriptor FROM algorithms ORDER BY name, deployed_at")
	if err != nil {
		return nil, fmt.Errorf("list algorithms: %w", err)
	}
	defer rows.Close()

	var out []*model.Algorithm
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan algorithm: %w", err)
		}
		var a model.Algorithm
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode algorithm: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate algorithms: %w", err)
	}
	return out, nil
}

// DeleteAlgorithm removes a descriptor.
func (s *SQLiteStore) DeleteAlgorithm(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM algorithms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete algorithm: %w", err)
	}
	return checkAffected(result)
}

// ReplaceAlgorithm swaps the descriptor oldID for a in one transaction. On
// any error the old descriptor stays registered.
func (s *SQLiteStore) ReplaceAlgorithm(ctx context.Context, oldID string, a *model.Algorithm) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode algorithm: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM algorithms WHERE id = ?", oldID)
	if err != nil {
		return fmt.Errorf("delete algorithm: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO algorithms (id, name, version, descriptor, deployed_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.Name, a.Version, string(data), a.DeployedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert algorithm: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const taskColumns = `id, algorithm_id, device, status, progress, inputs, parameters,
	session_token, timeout_s, result_ids, error_kind, error_stage, error_message,
	created_at, started_at, completed_at`

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Log entries are not included.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by creation time descending and
// the total count of tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, total, nil
}

// UpdateTask writes the mutable fields of t. A terminal record is never
// overwritten.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	results, err := json.Marshal(t.ResultIDs)
	if err != nil {
		return fmt.Errorf("encode result ids: %w", err)
	}
	var kind, stage, msg sql.NullString
	if t.Error != nil {
		kind = sql.NullString{String: t.Error.Kind, Valid: true}
		stage = sql.NullString{String: t.Error.Stage, Valid: t.Error.Stage != ""}
		msg = sql.NullString{String: t.Error.Message, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET device = ?, status = ?, progress = ?, result_ids = ?,
			error_kind = ?, error_stage = ?, error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		t.Device, t.Status, t.Progress, string(results),
		kind, stage, msg, t.StartedAt, t.CompletedAt,
		t.ID, model.StatusSucceeded, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// ErrTerminal is returned when updating a task that already finished.
var ErrTerminal = errors.New("task already terminal")

// TransitionTask atomically moves a task from one status to another.
func (s *SQLiteStore) TransitionTask(ctx context.Context, id, from, to string) (bool, error) {
	if !model.ValidTransition(from, to) {
		return false, fmt.Errorf("transition %s to %s: %w", from, to, ErrInvalidTransition)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// DeleteTasksBefore removes terminal tasks completed before the cutoff along
// with their logs, returning how many tasks were deleted.
func (s *SQLiteStore) DeleteTasksBefore(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const selectOld = `SELECT id FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ?`
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_logs WHERE task_id IN ("+selectOld+")", before); err != nil {
		return 0, fmt.Errorf("delete task logs: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		"DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// GetTaskStats aggregates task counts and the mean duration of finished tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		"SELECT error_kind, COUNT(*) FROM tasks WHERE error_kind IS NOT NULL GROUP BY error_kind")
	if err != nil {
		return nil, fmt.Errorf("count by error kind: %w", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan error kind count: %w", err)
		}
		stats.CountByKind[kind] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		"SELECT started_at, completed_at FROM tasks WHERE started_at IS NOT NULL AND completed_at IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	var sum float64
	var count int
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		sum += float64(completed.Sub(started).Milliseconds())
		count++
	}
	rows.Close()
	if count > 0 {
		stats.AvgDurationMS = sum / float64(count)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM algorithms").Scan(&stats.AlgorithmsTotal); err != nil {
		return nil, fmt.Errorf("count algorithms: %w", err)
	}
	return stats, nil
}

// InsertLogEntry appends a log entry for a task.
func (s *SQLiteStore) InsertLogEntry(ctx context.Context, taskID string, e model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, seq, level, message, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, e.Seq, e.Level, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// GetLogEntries returns a task's log entries with seq greater than since, in
// emission order.
func (s *SQLiteStore) GetLogEntries(ctx context.Context, taskID string, since int) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, level, message, created_at FROM task_logs WHERE task_id = ? AND seq > ? ORDER BY seq",
		taskID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		e := model.LogEntry{TaskID: taskID}
		if err := rows.Scan(&e.Seq, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func taskArgs(t *model.Task) ([]any, error) {
	inputs, err := json.Marshal(t.InputDatasetIDs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	results, err := json.Marshal(t.ResultIDs)
	if err != nil {
		return nil, fmt.Errorf("encode result ids: %w", err)
	}
	var kind, stage, msg sql.NullString
	if t.Error != nil {
		kind = sql.NullString{String: t.Error.Kind, Valid: true}
		stage = sql.NullString{String: t.Error.Stage, Valid: t.Error.Stage != ""}
		msg = sql.NullString{String: t.Error.Message, Valid: true}
	}
	return []any{
		t.ID, t.AlgorithmID, t.Device, t.Status, t.Progress, string(inputs), string(params),
		t.SessionToken, t.TimeoutS, string(results), kind, stage, msg,
		t.CreatedAt, t.StartedAt, t.CompletedAt,
	}, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                    model.Task
		inputs               string
		params, results      sql.NullString
		token                sql.NullString
		timeout              sql.NullInt64
		kind, stage, message sql.NullString
		started, completed   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.AlgorithmID, &t.Device, &t.Status, &t.Progress, &inputs, &params,
		&token, &timeout, &results, &kind, &stage, &message,
		&t.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &t.InputDatasetIDs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &t.ResultIDs); err != nil {
			return nil, fmt.Errorf("decode result ids: %w", err)
		}
	}
	t.SessionToken = token.String
	if timeout.Valid {
		v := int(timeout.Int64)
		t.TimeoutS = &v
	}
	if kind.Valid {
		t.Error = &model.TaskError{Kind: kind.String, Stage: stage.String, Message: message.String}
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
