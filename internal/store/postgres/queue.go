package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

const taskColumns = `id, queue, task_name, payload, status, priority, seq, attempts, max_attempts, scheduled_at, expires_at, locked_until, locked_by, processed_at, error, created_at`

// QueueStorage implements queue.EnqueuerRepository and queue.WorkerRepository.
// Claims use SKIP LOCKED so any number of workers can share the table.
type QueueStorage struct {
	db  DB
	now func() time.Time
}

func NewQueueStorage(db DB) *QueueStorage {
	return &QueueStorage{db: db, now: time.Now}
}

func (s *QueueStorage) CreateTask(ctx context.Context, task *queue.Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, task_name, payload, status, priority, attempts, max_attempts, scheduled_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.Queue, task.TaskName, task.Payload, string(task.Status), int16(task.Priority),
		int16(task.Attempts), int16(task.MaxAttempts), task.ScheduledAt, nullTime(task.ExpiresAt), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// ClaimTask picks the due task with the lowest priority value, oldest
// first. Processing tasks whose lock lapsed are claimable again.
func (s *QueueStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	names, err := json.Marshal(queues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue names: %w", err)
	}
	now := s.now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_tasks SET
			status = 'processing',
			attempts = attempts + 1,
			locked_until = $3,
			locked_by = $2
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE queue IN (SELECT jsonb_array_elements_text($1::jsonb))
			  AND ((status = 'pending' AND scheduled_at <= $4)
			    OR (status = 'processing' AND locked_until <= $4))
			ORDER BY priority ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		names, workerID, now.Add(lockDuration), now)

	task, err := scanTask(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, queue.ErrNoTaskToClaim
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

func (s *QueueStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.finish(ctx, taskID, queue.TaskStatusCompleted, sql.NullString{})
}

func (s *QueueStorage) SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	return s.finish(ctx, taskID, queue.TaskStatusSkipped, sql.NullString{String: reason, Valid: true})
}

func (s *QueueStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	return s.finish(ctx, taskID, queue.TaskStatusFailed, sql.NullString{String: errorMsg, Valid: true})
}

func (s *QueueStorage) finish(ctx context.Context, taskID uuid.UUID, status queue.TaskStatus, msg sql.NullString) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks SET
			status = $2,
			processed_at = $3,
			locked_until = NULL,
			locked_by = NULL,
			error = COALESCE($4, error)
		WHERE id = $1 AND status = 'processing'`,
		taskID, string(status), s.now(), msg)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return processingResult(res, taskID)
}

func (s *QueueStorage) RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks SET
			status = 'pending',
			error = $2,
			scheduled_at = $3,
			locked_until = NULL,
			locked_by = NULL
		WHERE id = $1 AND status = 'processing'`,
		taskID, errorMsg, at)
	if err != nil {
		return fmt.Errorf("failed to retry task: %w", err)
	}
	return processingResult(res, taskID)
}

// MoveToDLQ copies the task into the dead letter table and removes it.
func (s *QueueStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_tasks_dlq (id, task_id, queue, task_name, payload, priority, error, attempts, failed_at, created_at)
		SELECT $2, id, queue, task_name, payload, priority, COALESCE(error, ''), attempts, $3, $3
		FROM queue_tasks WHERE id = $1`,
		taskID, uuid.New(), now)
	if err != nil {
		return fmt.Errorf("failed to move task to dlq: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return fmt.Errorf("failed to move task to dlq: %w", err)
	} else if !ok {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, taskID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete dead-lettered task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dlq move: %w", err)
	}
	return nil
}

func processingResult(res sql.Result, taskID uuid.UUID) error {
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotProcessing, taskID)
	}
	return nil
}

func scanTask(row scanner) (*queue.Task, error) {
	var (
		t                                   queue.Task
		status                              string
		priority, attempts, maxAttempts     int16
		expiresAt, lockedUntil, processedAt sql.NullTime
		lockedBy                            uuid.NullUUID
		errMsg                              sql.NullString
	)
	err := row.Scan(&t.ID, &t.Queue, &t.TaskName, &t.Payload, &status, &priority, &t.Seq,
		&attempts, &maxAttempts, &t.ScheduledAt, &expiresAt, &lockedUntil, &lockedBy,
		&processedAt, &errMsg, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = queue.TaskStatus(status)
	t.Priority = queue.Priority(priority)
	t.Attempts = int8(attempts)
	t.MaxAttempts = int8(maxAttempts)
	t.ExpiresAt = timePtr(expiresAt)
	t.LockedUntil = timePtr(lockedUntil)
	t.ProcessedAt = timePtr(processedAt)
	if lockedBy.Valid {
		id := lockedBy.UUID
		t.LockedBy = &id
	}
	if errMsg.Valid {
		msg := errMsg.String
		t.Error = &msg
	}
	return &t, nil
}
