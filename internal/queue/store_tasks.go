package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = "id, book_id, stage, status, priority, retry_count, max_retries, payload, next_run_at, created_at, started_at, completed_at, error_message"

// InsertTask persists a freshly-enqueued task.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	ctx = ensureContext(ctx)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskQueued
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO tasks (id, book_id, stage, status, priority, retry_count, max_retries, payload, next_run_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.BookID,
		task.Stage,
		task.Status,
		int(task.Priority),
		task.RetryCount,
		task.MaxRetries,
		nullableString(task.Payload),
		task.NextRunAt.UTC().Format(time.RFC3339Nano),
		task.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// TaskByID fetches a task by identifier.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask persists lifecycle changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	ctx = ensureContext(ctx)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, priority = ?, retry_count = ?, next_run_at = ?,
             started_at = ?, completed_at = ?, error_message = ?
         WHERE id = ?`,
		task.Status,
		int(task.Priority),
		task.RetryCount,
		task.NextRunAt.UTC().Format(time.RFC3339Nano),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
		nullableString(task.ErrorMessage),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// QueuedTasks returns all tasks awaiting dispatch, oldest-first. Used to
// rebuild the scheduler heap after a restart.
func (s *Store) QueuedTasks(ctx context.Context) ([]*Task, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`,
		TaskQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CancelStageTasks cancels every queued task for a stage. Returns the
// affected task identifiers so the scheduler can drop them from its heap.
func (s *Store) CancelStageTasks(ctx context.Context, stage Stage, reason string) ([]string, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM tasks WHERE stage = ? AND status = ?`,
		stage,
		TaskQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, nullableString(reason), now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET status = '`+string(TaskCancelled)+`', error_message = ?, completed_at = ?
         WHERE id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("cancel stage tasks: %w", err)
	}
	return ids, nil
}

// MismatchedTasks returns queued tasks whose book no longer sits in a status
// the task's stage accepts. These are left over when a book is moved by some
// other path after the task was enqueued.
func (s *Store) MismatchedTasks(ctx context.Context) ([]*Task, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT t.id, t.book_id, t.stage, t.status, t.priority, t.retry_count, t.max_retries,
                t.payload, t.next_run_at, t.created_at, t.started_at, t.completed_at, t.error_message,
                b.status
         FROM tasks t JOIN books b ON b.id = t.book_id
         WHERE t.status = ?`,
		TaskQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("query mismatched tasks: %w", err)
	}
	defer rows.Close()

	var mismatched []*Task
	for rows.Next() {
		task, bookStatus, err := scanTaskWithBookStatus(rows)
		if err != nil {
			return nil, err
		}
		if !IsEligibleForStage(bookStatus, task.Stage) {
			mismatched = append(mismatched, task)
		}
	}
	return mismatched, rows.Err()
}

// PurgeTasks removes finished tasks past their retention windows. Completed
// and cancelled tasks are kept briefly for inspection; exhausted failures are
// kept longer for audit.
func (s *Store) PurgeTasks(ctx context.Context, finishedBefore, failedBefore time.Time) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM tasks
         WHERE (status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?)
            OR (status = ? AND completed_at IS NOT NULL AND completed_at < ?)`,
		TaskCompleted,
		TaskCancelled,
		finishedBefore.UTC().Format(time.RFC3339Nano),
		TaskFailed,
		failedBefore.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return res.RowsAffected()
}

// TaskCounts returns a count of tasks grouped by lifecycle status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task         Task
		stageStr     string
		statusStr    string
		priority     int
		payload      sql.NullString
		nextRunRaw   sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		errorMessage sql.NullString
	)
	if err := scanner.Scan(
		&task.ID,
		&task.BookID,
		&stageStr,
		&statusStr,
		&priority,
		&task.RetryCount,
		&task.MaxRetries,
		&payload,
		&nextRunRaw,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	fillTask(&task, stageStr, statusStr, priority, payload, nextRunRaw, createdRaw, startedRaw, completedRaw, errorMessage)
	return &task, nil
}

func scanTaskWithBookStatus(scanner interface{ Scan(dest ...any) error }) (*Task, Status, error) {
	var (
		task         Task
		stageStr     string
		statusStr    string
		priority     int
		payload      sql.NullString
		nextRunRaw   sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		errorMessage sql.NullString
		bookStatus   string
	)
	if err := scanner.Scan(
		&task.ID,
		&task.BookID,
		&stageStr,
		&statusStr,
		&priority,
		&task.RetryCount,
		&task.MaxRetries,
		&payload,
		&nextRunRaw,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&errorMessage,
		&bookStatus,
	); err != nil {
		return nil, "", err
	}
	fillTask(&task, stageStr, statusStr, priority, payload, nextRunRaw, createdRaw, startedRaw, completedRaw, errorMessage)
	return &task, Status(bookStatus), nil
}

func fillTask(task *Task, stageStr, statusStr string, priority int, payload, nextRunRaw, createdRaw, startedRaw, completedRaw, errorMessage sql.NullString) {
	task.Stage = Stage(stageStr)
	task.Status = TaskStatus(statusStr)
	task.Priority = TaskPriority(priority)
	task.Payload = payload.String
	task.ErrorMessage = errorMessage.String
	if next, err := parseTimeString(nextRunRaw.String); err == nil {
		task.NextRunAt = next
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			task.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			task.CompletedAt = &completed
		}
	}
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
