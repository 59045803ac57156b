package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements all queue repository interfaces for testing and local development
type MemoryStorage struct {
	mu    sync.RWMutex
	seq   int64
	tasks map[uuid.UUID]*Task
	dlq   []*TasksDlq
	now   func() time.Time
}

// NewMemoryStorage creates a new in-memory storage implementation
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*Task),
		now:   time.Now,
	}
}

// CreateTask implements EnqueuerRepository
func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	ms.seq++
	taskCopy := *task
	taskCopy.Seq = ms.seq
	ms.tasks[task.ID] = &taskCopy

	return nil
}

// ClaimTask implements WorkerRepository.
// Processing tasks whose lock has lapsed are claimable again, so a crashed
// worker's task runs at least once more.
func (ms *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Task

	for _, task := range ms.tasks {
		if !slices.Contains(queues, task.Queue) {
			continue
		}

		switch task.Status {
		case TaskStatusPending:
			if task.ScheduledAt.After(now) {
				continue
			}
		case TaskStatusProcessing:
			if task.LockedUntil == nil || task.LockedUntil.After(now) {
				continue
			}
		default:
			continue
		}

		if best == nil ||
			task.Priority < best.Priority ||
			(task.Priority == best.Priority && task.Seq < best.Seq) {
			best = task
		}
	}

	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockDuration)
	best.Status = TaskStatusProcessing
	best.Attempts++
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID

	taskCopy := *best
	return &taskCopy, nil
}

// CompleteTask implements WorkerRepository
func (ms *MemoryStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	return ms.finish(taskID, TaskStatusCompleted, nil)
}

// SkipTask implements WorkerRepository
func (ms *MemoryStorage) SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	return ms.finish(taskID, TaskStatusSkipped, &reason)
}

// FailTask implements WorkerRepository
func (ms *MemoryStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	return ms.finish(taskID, TaskStatusFailed, &errorMsg)
}

func (ms *MemoryStorage) finish(taskID uuid.UUID, status TaskStatus, msg *string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	now := ms.now()
	task.Status = status
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	if msg != nil {
		task.Error = msg
	}

	return nil
}

// RetryTask implements WorkerRepository
func (ms *MemoryStorage) RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	task.Status = TaskStatusPending
	task.Error = &errorMsg
	task.ScheduledAt = at
	task.LockedUntil = nil
	task.LockedBy = nil

	return nil
}

// MoveToDLQ implements WorkerRepository
func (ms *MemoryStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	now := ms.now()
	entry := &TasksDlq{
		ID:        uuid.New(),
		TaskID:    task.ID,
		Queue:     task.Queue,
		TaskName:  task.TaskName,
		Payload:   task.Payload,
		Priority:  task.Priority,
		Attempts:  task.Attempts,
		FailedAt:  now,
		CreatedAt: now,
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}

	ms.dlq = append(ms.dlq, entry)
	delete(ms.tasks, taskID)

	return nil
}

// GetTask returns a copy of the task, or ErrTaskNotFound once it has been dead-lettered.
func (ms *MemoryStorage) GetTask(taskID uuid.UUID) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	taskCopy := *task
	return &taskCopy, nil
}

// ListDLQ returns the dead-lettered tasks, oldest first.
func (ms *MemoryStorage) ListDLQ() []TasksDlq {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]TasksDlq, 0, len(ms.dlq))
	for _, e := range ms.dlq {
		out = append(out, *e)
	}
	return out
}

// Close is a no-op kept for parity with storages that hold connections.
func (ms *MemoryStorage) Close() error {
	return nil
}

func (ms *MemoryStorage) processing(taskID uuid.UUID) (*Task, error) {
	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskStatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotProcessing, taskID)
	}
	return task, nil
}
