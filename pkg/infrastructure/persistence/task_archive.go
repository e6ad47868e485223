package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/logger"
)

// StatusAbandoned marks archived tasks that were still open when the
// process stopped.
const StatusAbandoned = "abandoned"

var ErrTaskNotFound = errors.New("task not found in archive")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	channel         TEXT NOT NULL,
	sender_id       TEXT NOT NULL DEFAULT '',
	intent          TEXT NOT NULL,
	cost            TEXT NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	error_category  TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	started_at      INTEGER NOT NULL DEFAULT 0,
	finished_at     INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

const taskColumns = `id, conversation_id, channel, sender_id, intent, cost, status,
	error, error_category, created_at, started_at, finished_at, duration_ms`

// writeQueue bounds snapshots waiting for the archive writer.
const writeQueue = 512

// TaskArchive is a sqlite history of task lifecycles, fed from the event bus.
// Bus events are written by a single background writer so publishers never
// wait on the database.
type TaskArchive struct {
	db  *sql.DB
	now func() time.Time

	mu      sync.Mutex // guards closed and sends on queue
	closed  bool
	queue   chan archiveWrite
	writer  sync.WaitGroup
	dropped atomic.Int64
}

type archiveWrite struct {
	task  events.TaskEventData
	event domain.EventType
	// flush, when set, is closed once every earlier write is done.
	flush chan struct{}
}

// OpenTaskArchive opens (creating if needed) the archive database at path.
func OpenTaskArchive(path string) (*TaskArchive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	a := &TaskArchive{db: db, now: time.Now, queue: make(chan archiveWrite, writeQueue)}
	a.writer.Add(1)
	go a.write()
	return a, nil
}

// Close finishes queued writes and closes the database.
func (a *TaskArchive) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.writer.Wait()
	return a.db.Close()
}

// Flush waits until every snapshot queued before the call is written.
func (a *TaskArchive) Flush(ctx context.Context) error {
	done := make(chan struct{})
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	select {
	case a.queue <- archiveWrite{flush: done}:
		a.mu.Unlock()
	case <-ctx.Done():
		a.mu.Unlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts snapshots discarded because the write queue was full.
func (a *TaskArchive) Dropped() int64 { return a.dropped.Load() }

// Record upserts a task snapshot. A snapshot never moves a terminal row
// back to an open status.
func (a *TaskArchive) Record(ctx context.Context, t events.TaskEventData) error {
	_, err := a.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status         = excluded.status,
	error          = excluded.error,
	error_category = excluded.error_category,
	started_at     = excluded.started_at,
	finished_at    = excluded.finished_at,
	duration_ms    = excluded.duration_ms,
	updated_at     = excluded.updated_at
WHERE tasks.finished_at = 0`,
		t.TaskID, t.ConversationID, t.Channel, t.SenderID, t.Intent, t.Cost, t.Status,
		t.Error, t.ErrorCategory,
		unixMilli(t.CreatedAt), unixMilli(t.StartedAt), unixMilli(t.FinishedAt), t.DurationMs,
		a.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.TaskID, err)
	}
	return nil
}

// Get returns one archived task.
func (a *TaskArchive) Get(ctx context.Context, id string) (events.TaskEventData, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrTaskNotFound
	}
	return t, err
}

// Recent returns up to limit tasks, newest first.
func (a *TaskArchive) Recent(ctx context.Context, limit int) ([]events.TaskEventData, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	var out []events.TaskEventData
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AbandonOpen marks every task left queued or running by a previous process
// as abandoned and returns them.
func (a *TaskArchive) AbandonOpen(ctx context.Context) ([]events.TaskEventData, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE finished_at = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query open tasks: %w", err)
	}
	var open []events.TaskEventData
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		open = append(open, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	now := a.now()
	if _, err := a.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?, updated_at = ? WHERE finished_at = 0`,
		StatusAbandoned, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("abandon open tasks: %w", err)
	}
	for i := range open {
		open[i].Status = StatusAbandoned
		open[i].FinishedAt = now
	}
	return open, nil
}

// PurgeOlderThan deletes finished tasks created before cutoff.
func (a *TaskArchive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at != 0 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge archive: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe records every task lifecycle event published on bus. Events
// without a task id (a rejected long task never becomes one) are skipped.
func (a *TaskArchive) Subscribe(bus domain.EventBus) {
	bus.SubscribeAll(func(e domain.Event) {
		data, ok := e.Payload().(events.TaskEventData)
		if !ok || data.TaskID == "" {
			return
		}
		a.enqueue(archiveWrite{task: data, event: e.EventType()})
	})
}

func (a *TaskArchive) enqueue(w archiveWrite) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- w:
	default:
		a.dropped.Add(1)
		logger.WarnCF("persistence", "Task archive queue full, snapshot dropped", map[string]interface{}{
			"task_id": w.task.TaskID,
			"event":   string(w.event),
		})
	}
}

func (a *TaskArchive) write() {
	defer a.writer.Done()
	for w := range a.queue {
		if w.flush != nil {
			close(w.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.Record(ctx, w.task)
		cancel()
		if err != nil {
			logger.WarnCF("persistence", "Task archive write failed", map[string]interface{}{
				"task_id": w.task.TaskID,
				"event":   string(w.event),
				"error":   err,
			})
		}
	}
}

// RunRetention purges tasks older than retention on the cron schedule until
// ctx is done.
func (a *TaskArchive) RunRetention(ctx context.Context, schedule string, retention time.Duration) error {
	if retention <= 0 || schedule == "" {
		<-ctx.Done()
		return nil
	}
	if !gronx.New().IsValid(schedule) {
		return fmt.Errorf("invalid archive prune schedule %q", schedule)
	}
	for {
		next, err := gronx.NextTickAfter(schedule, a.now(), false)
		if err != nil {
			return fmt.Errorf("next prune tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		n, err := a.PurgeOlderThan(ctx, a.now().Add(-retention))
		if err != nil {
			logger.WarnCF("persistence", "Archive purge failed", map[string]interface{}{"error": err})
			continue
		}
		if n > 0 {
			logger.InfoCF("persistence", "Archive purged", map[string]interface{}{"deleted": n})
		}
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (events.TaskEventData, error) {
	var t events.TaskEventData
	var created, started, finished int64
	err := s.Scan(&t.TaskID, &t.ConversationID, &t.Channel, &t.SenderID, &t.Intent, &t.Cost,
		&t.Status, &t.Error, &t.ErrorCategory, &created, &started, &finished, &t.DurationMs)
	if err != nil {
		return t, err
	}
	t.CreatedAt = fromUnixMilli(created)
	t.StartedAt = fromUnixMilli(started)
	t.FinishedAt = fromUnixMilli(finished)
	return t, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
