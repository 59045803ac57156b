package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// WorkerRepository defines the interface for worker operations
type WorkerRepository interface {
	// ClaimTask atomically claims the next due task with the lowest priority
	// value, oldest first, and increments its attempt counter.
	// Returns ErrNoTaskToClaim when nothing is due.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)

	// CompleteTask marks task as completed
	CompleteTask(ctx context.Context, taskID uuid.UUID) error

	// SkipTask marks task as skipped without running it
	SkipTask(ctx context.Context, taskID uuid.UUID, reason string) error

	// RetryTask releases the task back to pending, runnable at the given time
	RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, at time.Time) error

	// FailTask marks task as failed for good
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error

	// MoveToDLQ moves task to dead letter queue
	MoveToDLQ(ctx context.Context, taskID uuid.UUID) error
}

// Worker processes tasks from the queue
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex // Protects stopping state and WaitGroup operations

	pullInterval time.Duration
	lockTimeout  time.Duration
	backoff      BackoffStrategy
	observer     Observer
	logger       *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
}

// NewWorker creates a new task worker
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &workerOptions{
		queues:             []string{DefaultQueueName},
		pullInterval:       time.Second,
		lockTimeout:        5 * time.Minute,
		maxConcurrentTasks: 1,
		backoff:            DefaultBackoff(),
		observer:           noopObserver{},
		logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		queues:       options.queues,
		workerID:     uuid.New(),
		sem:          make(chan struct{}, options.maxConcurrentTasks),
		pullInterval: options.pullInterval,
		lockTimeout:  options.lockTimeout,
		backoff:      options.backoff,
		observer:     options.observer,
		logger:       options.logger.With(logger.Component("queue.worker")),
	}, nil
}

// RegisterHandler registers a single task handler
func (w *Worker) RegisterHandler(handler Handler) error {
	if handler == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[handler.Name()] = handler
	return nil
}

// RegisterHandlers registers multiple task handlers
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Start begins processing tasks in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWorkerStarted
	}

	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.stopping.Store(false)

	go w.run()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("queues", w.queues),
		slog.Int("max_concurrent", cap(w.sem)))

	return nil
}

// Stop gracefully shuts down the worker. Running handlers finish first.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("worker stopping, waiting for active tasks to complete",
		slog.String("worker_id", w.workerID.String()))

	w.wg.Wait()

	w.logger.Info("worker stopped",
		slog.String("worker_id", w.workerID.String()))

	return nil
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// run is the main processing loop
func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.fill()
		}
	}
}

// fill claims tasks until every slot is busy or nothing is due.
func (w *Worker) fill() {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			w.logger.Debug("all worker slots busy",
				slog.String("worker_id", w.workerID.String()))
			return
		}

		task, err := w.claim()
		if err != nil || task == nil {
			<-w.sem
			if err != nil {
				w.logger.Error("failed to claim task",
					slog.String("worker_id", w.workerID.String()),
					logger.Error(err))
			}
			return
		}

		w.stopMu.Lock()
		if w.stopping.Load() {
			w.stopMu.Unlock()
			<-w.sem
			// the lock expires and another worker picks it up
			return
		}
		w.wg.Add(1)
		w.stopMu.Unlock()

		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()

			if err := w.processTask(task); err != nil && !errors.Is(err, ErrHandlerNotFound) {
				w.logger.Error("failed to process task",
					slog.String("worker_id", w.workerID.String()),
					logger.TaskID(task.ID),
					logger.Error(err))
			}
		}()
	}
}

func (w *Worker) claim() (*Task, error) {
	task, err := w.repo.ClaimTask(w.ctx, w.workerID, w.queues, w.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrNoTaskToClaim) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if task != nil {
		w.logger.Debug("claimed task",
			slog.String("worker_id", w.workerID.String()),
			logger.TaskID(task.ID),
			logger.TaskName(task.TaskName),
			logger.Attempt(int(task.Attempts)),
			slog.String("queue", task.Queue))
	}
	return task, nil
}

// processTask executes a task with its handler
func (w *Worker) processTask(task *Task) (retErr error) {
	start := time.Now()
	// bookkeeping survives shutdown
	ctx := context.WithoutCancel(w.ctx)

	if task.Expired(start) {
		return w.handleExpired(ctx, task)
	}

	// a reclaimed task whose earlier run died after its last attempt
	if task.MaxAttempts > 0 && task.Attempts > task.MaxAttempts {
		if err := w.deadLetter(ctx, task, "attempts exhausted after lock expiry"); err != nil {
			return err
		}
		w.observer.TaskFinished(task.TaskName, OutcomeFailed, int(task.Attempts), 0)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("worker_id", w.workerID.String()),
				logger.TaskID(task.ID),
				logger.TaskName(task.TaskName),
				slog.Any("panic", r))
			_ = w.handleTaskFailure(ctx, task, retErr, time.Since(start))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()

	if !ok {
		return w.handleMissingHandler(ctx, task)
	}

	hctx, cancel := context.WithTimeout(ctx, w.lockTimeout)
	defer cancel()
	hctx = WithTaskInfo(hctx, TaskInfo{
		ID:          task.ID,
		Name:        task.TaskName,
		Attempt:     int(task.Attempts),
		MaxAttempts: int(task.MaxAttempts),
	})

	err := handler.Handle(hctx, task.Payload)
	duration := time.Since(start)

	if err != nil {
		return w.handleTaskFailure(ctx, task, err, duration)
	}

	return w.handleTaskSuccess(ctx, task, duration)
}

func (w *Worker) handleExpired(ctx context.Context, task *Task) error {
	if err := w.repo.SkipTask(ctx, task.ID, "expired"); err != nil {
		return fmt.Errorf("failed to skip expired task %s: %w", task.ID, err)
	}

	w.logger.Info("skipped expired task",
		slog.String("worker_id", w.workerID.String()),
		logger.TaskID(task.ID),
		logger.TaskName(task.TaskName))
	w.observer.TaskFinished(task.TaskName, OutcomeSkipped, int(task.Attempts), 0)

	return nil
}

// handleMissingHandler dead-letters the task; retrying cannot help until
// a handler for it is deployed.
func (w *Worker) handleMissingHandler(ctx context.Context, task *Task) error {
	w.logger.Error("no handler registered for task type",
		slog.String("worker_id", w.workerID.String()),
		logger.TaskID(task.ID),
		logger.TaskName(task.TaskName))

	errorMsg := "no handler registered for task type: " + task.TaskName
	if err := w.deadLetter(ctx, task, errorMsg); err != nil {
		return err
	}
	w.observer.TaskFinished(task.TaskName, OutcomeFailed, int(task.Attempts), 0)

	return ErrHandlerNotFound
}

// handleTaskFailure retries the task after a backoff delay, or dead-letters
// it when the error is permanent or the attempts are used up.
func (w *Worker) handleTaskFailure(ctx context.Context, task *Task, execErr error, duration time.Duration) error {
	attempt := int(task.Attempts)
	final := IsPermanent(execErr) || task.Attempts >= task.MaxAttempts

	w.logger.Error("task failed",
		slog.String("worker_id", w.workerID.String()),
		logger.TaskID(task.ID),
		logger.TaskName(task.TaskName),
		logger.Attempt(attempt),
		slog.Int("max_attempts", int(task.MaxAttempts)),
		slog.Bool("final", final),
		logger.Duration(duration),
		logger.Error(execErr))

	if final {
		if err := w.deadLetter(ctx, task, execErr.Error()); err != nil {
			return err
		}
		w.observer.TaskFinished(task.TaskName, OutcomeFailed, attempt, duration)

		w.logger.Warn("task moved to dead letter queue",
			slog.String("worker_id", w.workerID.String()),
			logger.TaskID(task.ID),
			logger.TaskName(task.TaskName))
		return nil
	}

	delay := w.backoff.NextInterval(attempt)
	if err := w.repo.RetryTask(ctx, task.ID, execErr.Error(), time.Now().Add(delay)); err != nil {
		return fmt.Errorf("failed to schedule retry for task %s: %w", task.ID, err)
	}
	w.observer.TaskFinished(task.TaskName, OutcomeRetried, attempt, duration)

	w.logger.Debug("task scheduled for retry",
		logger.TaskID(task.ID),
		slog.Duration("delay", delay))

	return nil
}

func (w *Worker) deadLetter(ctx context.Context, task *Task, errorMsg string) error {
	if err := w.repo.FailTask(ctx, task.ID, errorMsg); err != nil {
		return fmt.Errorf("failed to mark task %s as failed: %w", task.ID, err)
	}
	if err := w.repo.MoveToDLQ(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to move task %s to DLQ: %w", task.ID, err)
	}
	return nil
}

// handleTaskSuccess processes successful task completion
func (w *Worker) handleTaskSuccess(ctx context.Context, task *Task, duration time.Duration) error {
	if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to mark task %s as completed: %w", task.ID, err)
	}
	w.observer.TaskFinished(task.TaskName, OutcomeCompleted, int(task.Attempts), duration)

	w.logger.Info("task completed successfully",
		slog.String("worker_id", w.workerID.String()),
		logger.TaskID(task.ID),
		logger.TaskName(task.TaskName),
		slog.String("queue", task.Queue),
		logger.Duration(duration))

	return nil
}
