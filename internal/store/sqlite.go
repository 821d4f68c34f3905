package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsched/internal/domain"
)

var ErrNotFound = errors.New("scheduled message not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  chat_id TEXT NOT NULL,
  chat_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  scheduled_at INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed','missed','cancelled')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_messages_due ON scheduled_messages(status, scheduled_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Create(ctx context.Context, t domain.NewTask) (int64, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListPending(ctx context.Context) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status, reason string) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type Option func(*sqliteRepo)

// WithClock overrides the time source used for future-time validation and
// row timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *sqliteRepo) { r.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *sqliteRepo) { r.log = log }
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Repository {
	r := &sqliteRepo{db: db, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

const selectCols = `id,chat_id,chat_name,message,scheduled_at,status,last_error,created_at,updated_at`

func (r *sqliteRepo) Create(ctx context.Context, t domain.NewTask) (int64, error) {
	if strings.TrimSpace(t.TargetID) == "" {
		return 0, domain.Invalid("chatId", "is required")
	}
	if strings.TrimSpace(t.Body) == "" {
		return 0, domain.Invalid("message", "is required")
	}
	if t.ScheduledAt.IsZero() {
		return 0, domain.Invalid("scheduledTime", "is required")
	}
	now := r.now()
	if !t.ScheduledAt.After(now) {
		return 0, domain.Invalid("scheduledTime", "must be in the future")
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_messages (chat_id,chat_name,message,scheduled_at,status,last_error,created_at,updated_at)
VALUES (?,?,?,?,'pending','',?,?)
`, t.TargetID, t.TargetLabel, t.Body, t.ScheduledAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert scheduled message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert scheduled message: %w", err)
	}
	return id, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM scheduled_messages WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get scheduled message %d: %w", id, err)
	}
	return t, nil
}

func (r *sqliteRepo) List(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, `SELECT `+selectCols+` FROM scheduled_messages ORDER BY scheduled_at ASC, id ASC`)
}

func (r *sqliteRepo) ListPending(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, `SELECT `+selectCols+` FROM scheduled_messages WHERE status='pending' ORDER BY scheduled_at ASC, id ASC`)
}

// UpdateStatus moves a pending row to a terminal status. It reports false
// when the row is missing or already terminal; neither is an error.
func (r *sqliteRepo) UpdateStatus(ctx context.Context, id int64, status domain.Status, reason string) (bool, error) {
	if !status.Terminal() {
		return false, domain.Invalid("status", fmt.Sprintf("cannot transition to %q", status))
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_messages SET status=?, last_error=?, updated_at=?
WHERE id=? AND status='pending'`, string(status), reason, r.now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("update scheduled message %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		r.log.Warn().Int64("task_id", id).Str("status", string(status)).Msg("status update ignored: missing or terminal row")
		return false, nil
	}
	return true, nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM scheduled_messages WHERE id=?", id)
	if err != nil {
		return false, fmt.Errorf("delete scheduled message %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) query(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled messages: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var scheduled, created, updated int64
	if err := s.Scan(&t.ID, &t.TargetID, &t.TargetLabel, &t.Body, &scheduled, &status, &t.LastError, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.ScheduledAt = time.UnixMilli(scheduled)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}
