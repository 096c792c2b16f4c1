package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/autopilot/internal/model"

	_ "modernc.org/sqlite"
)

// Tables are recreated on every open so history never outlives the process.
var schema = []string{
	`DROP TABLE IF EXISTS task_events`,
	`DROP TABLE IF EXISTS tasks`,
	`CREATE TABLE tasks (
    id          INTEGER PRIMARY KEY,
    kind        TEXT NOT NULL,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    status_rank INTEGER NOT NULL,
    result      BLOB,
    progress    BLOB,
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    duration_ms INTEGER,
    deadline    DATETIME
)`,
	`CREATE TABLE task_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id   TEXT NOT NULL UNIQUE,
    task_id    INTEGER NOT NULL,
    type       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    payload    BLOB,
    error      TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    time       DATETIME NOT NULL
)`,
	`CREATE INDEX idx_task_events_task ON task_events (task_id, seq)`,
}

// A row only moves forward: a lower rank never overwrites a higher one and
// terminal rows are frozen.
const upsertTask = `
INSERT INTO tasks (
    id, kind, mode, status, status_rank, result, progress, error, error_kind,
    created_at, started_at, finished_at, duration_ms, deadline
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status      = excluded.status,
    status_rank = excluded.status_rank,
    result      = COALESCE(excluded.result, tasks.result),
    progress    = COALESCE(excluded.progress, tasks.progress),
    error       = excluded.error,
    error_kind  = excluded.error_kind,
    started_at  = COALESCE(excluded.started_at, tasks.started_at),
    finished_at = COALESCE(excluded.finished_at, tasks.finished_at),
    duration_ms = COALESCE(excluded.duration_ms, tasks.duration_ms),
    deadline    = COALESCE(excluded.deadline, tasks.deadline)
WHERE tasks.status_rank < 2
  AND excluded.status_rank >= tasks.status_rank`

const taskColumns = `id, kind, mode, status, result, progress, error, error_kind,
    created_at, started_at, finished_at, duration_ms, deadline`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dsn and creates empty tables.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
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

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func statusRank(st model.Status) int {
	switch {
	case model.IsTerminal(st):
		return 2
	case st == model.StatusRunning:
		return 1
	default:
		return 0
	}
}

// UpsertTask inserts t or moves its existing record forward. Updates that
// would move a record backwards, or change a finished one, are ignored.
func (s *SQLiteStore) UpsertTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, upsertTask,
		int64(t.ID), t.Kind, string(t.Mode), string(t.Status), statusRank(t.Status),
		nullBytes(t.Result), nullBytes(t.Progress), t.Error, t.ErrorKind,
		t.CreatedAt.UTC(), t.StartedAt, t.FinishedAt, t.DurationMS, t.Deadline,
	)
	if err != nil {
		return fmt.Errorf("upsert task %d: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id model.TaskID) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, int64(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks, newest first, along with the total
// count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
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

// GetTaskStats aggregates the task table.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "kind", stats.CountByKind); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// countBy fills into with row counts grouped by column, which must be a
// trusted column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertEvent journals one event. Re-inserting an event id is a no-op.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (event_id, task_id, type, status, name, payload, error, error_kind, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, int64(e.TaskID), string(e.Type), string(e.Status), e.Name,
		nullBytes(e.Payload), e.Error, e.ErrorKind, e.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns up to limit events for a task in publication order.
// A limit of zero or less returns all of them.
func (s *SQLiteStore) GetEvents(ctx context.Context, id model.TaskID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, task_id, type, status, name, payload, error, error_kind, time
		FROM task_events WHERE task_id = ? ORDER BY seq ASC LIMIT ?`, int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			taskID  int64
			typ     string
			status  string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &taskID, &typ, &status, &e.Name, &payload, &e.Error, &e.ErrorKind, &e.Time); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = model.TaskID(taskID)
		e.Type = model.EventType(typ)
		e.Status = model.Status(status)
		if len(payload) > 0 {
			e.Payload = payload
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                 model.Task
		id                int64
		mode, status      string
		result, progress  []byte
		started, finished sql.NullTime
		deadline          sql.NullTime
		duration          sql.NullInt64
	)
	if err := row.Scan(
		&id, &t.Kind, &mode, &status, &result, &progress, &t.Error, &t.ErrorKind,
		&t.CreatedAt, &started, &finished, &duration, &deadline,
	); err != nil {
		return nil, err
	}
	t.ID = model.TaskID(id)
	t.Mode = model.Mode(mode)
	t.Status = model.Status(status)
	if len(result) > 0 {
		t.Result = result
	}
	if len(progress) > 0 {
		t.Progress = progress
	}
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)
	t.Deadline = timePtr(deadline)
	if duration.Valid {
		d := int(duration.Int64)
		t.DurationMS = &d
	}
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

// nullBytes stores empty payloads as NULL so COALESCE keeps earlier values.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
