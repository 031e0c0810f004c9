package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// SQLite persists tasks in a single-file database. Scalar fields get
// their own columns so lists can filter in SQL; composite fields
// (tags, labels, subtasks, block marker, activity log) are stored as
// JSON text and decoded on read. Rows keep insertion order via rowid.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the
// schema. The returned store is safe for concurrent use.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
	board_id         TEXT NOT NULL,
	id               TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	priority         TEXT NOT NULL,
	status           TEXT NOT NULL,
	assignee         TEXT NOT NULL DEFAULT '',
	due_date         TEXT,
	estimated_hours  REAL NOT NULL DEFAULT 0,
	actual_hours     REAL NOT NULL DEFAULT 0,
	progress         INTEGER NOT NULL DEFAULT 0,
	impact_score     INTEGER NOT NULL DEFAULT 0,
	comment_count    INTEGER NOT NULL DEFAULT 0,
	attachment_count INTEGER NOT NULL DEFAULT 0,
	tags             TEXT NOT NULL DEFAULT 'null',
	labels           TEXT NOT NULL DEFAULT 'null',
	subtasks         TEXT NOT NULL DEFAULT 'null',
	blocked          TEXT NOT NULL DEFAULT 'null',
	activity         TEXT NOT NULL DEFAULT 'null',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (board_id, id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_board_status ON tasks(board_id, status);
`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}

const taskColumns = `id, title, description, priority, status, assignee, due_date,
	estimated_hours, actual_hours, progress, impact_score, comment_count,
	attachment_count, tags, labels, subtasks, blocked, activity, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (domain.Task, error) {
	var (
		t                                         domain.Task
		due                                       sql.NullString
		tags, labels, subtasks, blocked, activity string
		createdAt, updatedAt                      string
	)
	err := sc.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&t.Assignee, &due, &t.EstimatedHours, &t.ActualHours, &t.Progress,
		&t.ImpactScore, &t.CommentCount, &t.AttachmentCount,
		&tags, &labels, &subtasks, &blocked, &activity, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if due.Valid {
		d, err := time.Parse(time.RFC3339Nano, due.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse due_date: %w", err)
		}
		t.DueDate = &d
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := sonic.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return domain.Task{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := sonic.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return domain.Task{}, fmt.Errorf("decode labels: %w", err)
	}
	if err := sonic.Unmarshal([]byte(subtasks), &t.Subtasks); err != nil {
		return domain.Task{}, fmt.Errorf("decode subtasks: %w", err)
	}
	if err := sonic.Unmarshal([]byte(blocked), &t.Blocked); err != nil {
		return domain.Task{}, fmt.Errorf("decode blocked: %w", err)
	}
	if err := sonic.Unmarshal([]byte(activity), &t.Activity); err != nil {
		return domain.Task{}, fmt.Errorf("decode activity: %w", err)
	}
	return t, nil
}

// taskArgs flattens a task into the column order of taskColumns,
// without the leading board_id.
func taskArgs(t domain.Task) ([]any, error) {
	var due any
	if t.DueDate != nil {
		due = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	tags, err := sonic.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	labels, err := sonic.Marshal(t.Labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	subtasks, err := sonic.Marshal(t.Subtasks)
	if err != nil {
		return nil, fmt.Errorf("encode subtasks: %w", err)
	}
	blocked, err := sonic.Marshal(t.Blocked)
	if err != nil {
		return nil, fmt.Errorf("encode blocked: %w", err)
	}
	activity, err := sonic.Marshal(t.Activity)
	if err != nil {
		return nil, fmt.Errorf("encode activity: %w", err)
	}
	return []any{
		t.ID, t.Title, t.Description, string(t.Priority), string(t.Status),
		t.Assignee, due, t.EstimatedHours, t.ActualHours, t.Progress,
		t.ImpactScore, t.CommentCount, t.AttachmentCount,
		string(tags), string(labels), string(subtasks), string(blocked), string(activity),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *SQLite) ListTasks(ctx context.Context, boardID string, opts board.ListOptions) ([]domain.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE board_id = ?"
	args := []any{boardID}
	if len(opts.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(",?", len(opts.Statuses)-1) + ")"
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY rowid"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLite) getTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE board_id = ? AND id = ?", boardID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLite) CreateTask(ctx context.Context, boardID string, draft domain.TaskDraft) (domain.Task, error) {
	t := newTask(draft, s.now().UTC())
	args, err := taskArgs(t)
	if err != nil {
		return domain.Task{}, err
	}
	query := "INSERT INTO tasks (board_id, " + taskColumns + ") VALUES (?" + strings.Repeat(",?", 20) + ")"
	if _, err := s.db.ExecContext(ctx, query, append([]any{boardID}, args...)...); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *SQLite) writeTask(ctx context.Context, boardID string, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// Full-record replace: the latest writer's complete state wins.
	query := `UPDATE tasks SET title=?, description=?, priority=?, status=?, assignee=?,
		due_date=?, estimated_hours=?, actual_hours=?, progress=?, impact_score=?,
		comment_count=?, attachment_count=?, tags=?, labels=?, subtasks=?, blocked=?,
		activity=?, created_at=?, updated_at=? WHERE board_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, query, append(args[1:], boardID, t.ID)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	cur, err := s.getTask(ctx, boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	next := patched(cur, patch, s.now().UTC())
	if err := s.writeTask(ctx, boardID, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (s *SQLite) MoveTask(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	return s.UpdateTask(ctx, boardID, taskID, domain.TaskPatch{Status: &status})
}

func (s *SQLite) DeleteTask(ctx context.Context, boardID, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE board_id = ? AND id = ?", boardID, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) BulkUpdateTasks(ctx context.Context, boardID string, taskIDs []string, patch domain.TaskPatch) (domain.BulkResult, error) {
	now := s.now().UTC()
	var res domain.BulkResult
	for _, id := range taskIDs {
		cur, err := s.getTask(ctx, boardID, id)
		if err == nil {
			err = s.writeTask(ctx, boardID, patched(cur, patch, now))
		}
		if errors.Is(err, domain.ErrNotFound) {
			res.Failed = append(res.Failed, id)
			res.Errors = append(res.Errors, domain.BulkError{
				TaskID: id,
				Err:    domain.ErrNotFound,
				Detail: domain.ErrNotFound.Error(),
			})
			continue
		}
		if err != nil {
			return domain.BulkResult{}, fmt.Errorf("bulk update: %w", err)
		}
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}
