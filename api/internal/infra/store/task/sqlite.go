package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcription_tasks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	external_task_id TEXT    NOT NULL,
	source_url       TEXT    NOT NULL,
	status           TEXT    NOT NULL,
	transcript       TEXT,
	error_message    TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	completed_at     INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_external_id ON transcription_tasks (external_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON transcription_tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON transcription_tasks (created_at);
`

const columns = `id, external_task_id, source_url, status, transcript, error_message, created_at, updated_at, completed_at`

// SQLiteStore keeps transcription tasks in a single SQLite table.
// Every status transition runs in its own transaction guarded by the
// statuses it may start from, so a terminal row is never rewritten.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // writers serialize on one connection

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create inserts a new task. A failed task gets its error message and
// completion time in the same insert.
func (s *SQLiteStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	if p.ExternalTaskID == "" {
		return domain.Task{}, errors.New("create task: empty external task id")
	}
	status := p.Status
	if status == "" {
		status = domain.StatusPending
	}
	if status == domain.StatusCompleted || !status.Valid() {
		return domain.Task{}, fmt.Errorf("create task: unsupported initial status %q", status)
	}

	now := s.now().UnixNano()
	var errMsg, completedAt any
	if status == domain.StatusFailed {
		msg := p.ErrorMessage
		if msg == "" {
			msg = domain.ErrInternal.Error()
		}
		errMsg = domain.Truncate(msg, 2000)
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_tasks
			(external_task_id, source_url, status, error_message, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.ExternalTaskID, p.SourceURL, string(status), errMsg, now, now, completedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Task{}, fmt.Errorf("create task %s: %w", p.ExternalTaskID, domain.ErrTaskExists)
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, fmt.Errorf("last insert id: %w", err)
	}
	return s.Task(ctx, id)
}

func (s *SQLiteStore) Task(ctx context.Context, id int64) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transcription_tasks WHERE id = ?`, id)
	return one(row)
}

func (s *SQLiteStore) TaskByExternalID(ctx context.Context, externalID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transcription_tasks WHERE external_task_id = ?`, externalID)
	return one(row)
}

// List returns the total number of matching tasks and one page of them,
// newest first.
func (s *SQLiteStore) List(ctx context.Context, f domain.ListFilter) (int, []domain.Task, error) {
	where := strings.Builder{}
	args := []any{}
	if f.Status != nil {
		where.WriteString(" WHERE status = ?")
		args = append(args, string(*f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcription_tasks`+where.String(), args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + columns + ` FROM transcription_tasks` + where.String() +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	tasks, err := s.query(ctx, q, append(args, limit, max(f.Offset, 0))...)
	if err != nil {
		return 0, nil, fmt.Errorf("list tasks: %w", err)
	}
	return total, tasks, nil
}

// Unfinished returns every pending or processing task, oldest first.
func (s *SQLiteStore) Unfinished(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.query(ctx, `SELECT `+columns+` FROM transcription_tasks
		WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("unfinished tasks: %w", err)
	}
	return tasks, nil
}

// MarkProcessing moves a pending task to processing. A task that is already
// processing is returned unchanged.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id int64) (domain.Task, error) {
	return s.transition(ctx, id,
		`status = ?, updated_at = ?`,
		[]any{string(domain.StatusProcessing), s.now().UnixNano()},
		domain.StatusPending,
	)
}

// Touch bumps updated_at of a task that has not finished yet.
func (s *SQLiteStore) Touch(ctx context.Context, id int64) error {
	_, err := s.transition(ctx, id,
		`updated_at = ?`,
		[]any{s.now().UnixNano()},
		domain.StatusPending, domain.StatusProcessing,
	)
	return err
}

func (s *SQLiteStore) Complete(ctx context.Context, id int64, transcript string) (domain.Task, error) {
	now := s.now().UnixNano()
	return s.transition(ctx, id,
		`status = ?, transcript = ?, error_message = NULL, updated_at = ?, completed_at = ?`,
		[]any{string(domain.StatusCompleted), transcript, now, now},
		domain.StatusPending, domain.StatusProcessing,
	)
}

func (s *SQLiteStore) Fail(ctx context.Context, id int64, reason string) (domain.Task, error) {
	if reason == "" {
		reason = domain.ErrInternal.Error()
	}
	now := s.now().UnixNano()
	return s.transition(ctx, id,
		`status = ?, error_message = ?, transcript = NULL, updated_at = ?, completed_at = ?`,
		[]any{string(domain.StatusFailed), domain.Truncate(reason, 2000), now, now},
		domain.StatusPending, domain.StatusProcessing,
	)
}

// transition applies set to task id when its status is one of from. The
// update and the read-back share a transaction so callers observe the row
// exactly as committed.
func (s *SQLiteStore) transition(ctx context.Context, id int64, set string, args []any, from ...domain.TaskStatus) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	params := append(args, id)
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		params = append(params, string(st))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE transcription_tasks SET `+set+` WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		params...,
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}

	t, err := one(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM transcription_tasks WHERE id = ?`, id))
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 && t.Status.Terminal() {
		return t, fmt.Errorf("task %d is %s: %w", id, t.Status, domain.ErrTaskFinalized)
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func one(row scanner) (domain.Task, error) {
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		transcript, errMsg   sql.NullString
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := s.Scan(
		&t.ID, &t.ExternalTaskID, &t.SourceURL, &status,
		&transcript, &errMsg,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	t.Status = domain.TaskStatus(status)
	if transcript.Valid {
		t.Transcript = &transcript.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		ct := time.Unix(0, completedAt.Int64).UTC()
		t.CompletedAt = &ct
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
