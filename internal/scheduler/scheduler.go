// Package scheduler runs the durable task queue: priority ordering, retry
// with backoff, stage pausing on exhausted quotas, and retention of
// finished tasks.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/stage"
	"bindery/internal/state"
)

// Retention horizons for finished tasks. Failed tasks stay longer so their
// error messages remain inspectable.
const (
	finishedRetention = 2 * time.Hour
	failedRetention   = 24 * time.Hour
	historyRetention  = 90 * 24 * time.Hour
)

// HandlerFunc executes one task. The scheduler records the outcome; the
// handler only does the work.
type HandlerFunc func(ctx context.Context, task *queue.Task) error

// Pauser gates dispatch per stage. Implemented by the pipeline's pause set
// so manual pauses and quota pauses share one switchboard.
type Pauser interface {
	Pause(stage queue.Stage, reason string)
	Resume(stage queue.Stage)
	Paused(stage queue.Stage) bool
}

type noopPauser struct{}

func (noopPauser) Pause(queue.Stage, string) {}
func (noopPauser) Resume(queue.Stage)        {}
func (noopPauser) Paused(queue.Stage) bool   { return false }

// Scheduler owns the in-memory task heap backed by the tasks table. Tasks
// survive restarts: Start rebuilds the heap from every row still queued.
type Scheduler struct {
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service

	tick          time.Duration
	maxConcurrent int
	maxRetries    int
	retention     time.Duration

	mu          sync.Mutex
	tasks       taskHeap
	seq         uint64
	tombstones  map[string]struct{}
	activeTasks map[string]struct{}
	claims      *stage.ClaimSet
	handlers    map[queue.Stage]HandlerFunc
	pauser      Pauser
	books       *state.Manager

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a scheduler from configuration.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Scheduler {
	tick := time.Duration(cfg.Scheduler.TickInterval) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	retention := time.Duration(cfg.Scheduler.RetentionInterval) * time.Second
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	maxConcurrent := cfg.Scheduler.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	maxRetries := cfg.Scheduler.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Scheduler{
		store:         store,
		logger:        logging.NewComponentLogger(logger, "scheduler"),
		notifier:      notifier,
		tick:          tick,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		retention:     retention,
		tombstones:    make(map[string]struct{}),
		activeTasks:   make(map[string]struct{}),
		claims:        stage.NewClaimSet(),
		handlers:      make(map[queue.Stage]HandlerFunc),
		pauser:        noopPauser{},
	}
}

// SetStateManager wires the state manager in so retry exhaustion can be
// recorded on the book.
func (s *Scheduler) SetStateManager(manager *state.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = manager
}

// SetPauser wires the pipeline's pause set in after construction.
func (s *Scheduler) SetPauser(pauser Pauser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pauser != nil {
		s.pauser = pauser
	}
}

// SetClaims wires the pipeline's in-flight book set in after construction.
// Both dispatch paths must share one set or the same book can be processed
// twice concurrently.
func (s *Scheduler) SetClaims(claims *stage.ClaimSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if claims != nil {
		s.claims = claims
	}
}

// RegisterHandler binds a stage to its executor. Must be called before Start.
func (s *Scheduler) RegisterHandler(stage queue.Stage, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stage] = fn
}

// Start rebuilds the heap from persisted queued tasks and launches the
// dispatch and retention loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	persisted, err := s.store.QueuedTasks(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("rebuild task heap: %w", err)
	}
	s.mu.Lock()
	for _, task := range persisted {
		s.seq++
		heap.Push(&s.tasks, &heapItem{task: task, seq: s.seq})
	}
	restored := len(persisted)
	s.mu.Unlock()
	if restored > 0 {
		s.logger.Info("task heap restored", logging.Int("tasks", restored))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(2)
	go s.dispatchLoop(runCtx)
	go s.retentionLoop(runCtx)
	return nil
}

// Stop halts both loops and waits for in-flight tasks to finish. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// EnqueueStage creates a durable task for a book and stage. A second task
// for the same pair is refused while the first is still pending, so repeat
// transitions never double-schedule. Implements state.Enqueuer.
func (s *Scheduler) EnqueueStage(ctx context.Context, bookID int64, stage queue.Stage, priority queue.TaskPriority, delay time.Duration) error {
	s.mu.Lock()
	if s.hasPendingLocked(bookID, stage) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	task := &queue.Task{
		ID:         uuid.NewString(),
		BookID:     bookID,
		Stage:      stage,
		Status:     queue.TaskQueued,
		Priority:   priority,
		MaxRetries: s.maxRetries,
		NextRunAt:  now.Add(delay),
		CreatedAt:  now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	s.mu.Lock()
	s.seq++
	heap.Push(&s.tasks, &heapItem{task: task, seq: s.seq})
	s.mu.Unlock()
	s.logger.Debug("task enqueued",
		slog.String("task_id", task.ID),
		slog.Int64("book_id", bookID),
		slog.String("stage", string(stage)),
		slog.Int("priority", int(priority)))
	return nil
}

func (s *Scheduler) hasPendingLocked(bookID int64, stage queue.Stage) bool {
	for _, item := range s.tasks {
		if _, dead := s.tombstones[item.task.ID]; dead {
			continue
		}
		if item.task.BookID == bookID && item.task.Stage == stage {
			return true
		}
	}
	return false
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue pops every due task and starts as many as the concurrency
// ceiling allows. Tasks for paused stages or books already claimed by a
// stage run go back on the heap untouched.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()
	var ready []*heapItem
	var deferred []*heapItem

	s.mu.Lock()
	for s.tasks.peekDue(now) {
		item := heap.Pop(&s.tasks).(*heapItem)
		if _, dead := s.tombstones[item.task.ID]; dead {
			delete(s.tombstones, item.task.ID)
			continue
		}
		if len(s.activeTasks)+len(ready) >= s.maxConcurrent {
			deferred = append(deferred, item)
			break
		}
		if s.pauser.Paused(item.task.Stage) {
			deferred = append(deferred, item)
			continue
		}
		if !s.claims.Claim(item.task.BookID) {
			deferred = append(deferred, item)
			continue
		}
		ready = append(ready, item)
	}
	for _, item := range ready {
		s.activeTasks[item.task.ID] = struct{}{}
	}
	for _, item := range deferred {
		heap.Push(&s.tasks, item)
	}
	s.mu.Unlock()

	for _, item := range ready {
		s.wg.Add(1)
		go s.runTask(ctx, item)
	}
}

func (s *Scheduler) runTask(ctx context.Context, item *heapItem) {
	defer s.wg.Done()
	task := item.task
	defer s.claims.Release(task.BookID)
	defer func() {
		s.mu.Lock()
		delete(s.activeTasks, task.ID)
		s.mu.Unlock()
	}()

	taskCtx := services.WithTaskID(ctx, task.ID)
	if s.isSuperseded(taskCtx, task) {
		done := time.Now().UTC()
		task.Status = queue.TaskCancelled
		task.CompletedAt = &done
		task.ErrorMessage = "superseded, book already advanced"
		if err := s.store.UpdateTask(taskCtx, task); err != nil {
			s.logger.Error("mark task superseded", slog.Any("error", err))
		}
		s.logger.Debug("task superseded",
			slog.String("task_id", task.ID),
			slog.Int64("book_id", task.BookID),
			slog.String("stage", string(task.Stage)))
		return
	}
	now := time.Now().UTC()
	task.Status = queue.TaskActive
	task.StartedAt = &now
	if err := s.store.UpdateTask(taskCtx, task); err != nil {
		s.logger.Error("mark task active", slog.Any("error", err))
	}

	handler := s.handlerFor(task.Stage)
	var runErr error
	if handler == nil {
		runErr = services.Wrap(services.ErrSystem, string(task.Stage), "dispatch",
			"no handler registered for stage", nil)
	} else {
		runErr = handler(taskCtx, task)
	}

	if runErr == nil {
		done := time.Now().UTC()
		task.Status = queue.TaskCompleted
		task.CompletedAt = &done
		task.ErrorMessage = ""
		if err := s.store.UpdateTask(taskCtx, task); err != nil {
			s.logger.Error("mark task completed", slog.Any("error", err))
		}
		return
	}
	s.handleFailure(taskCtx, task, runErr)
}

// isSuperseded reports whether the book has moved past the task's stage,
// usually because the pipeline poller ran the stage first. Such tasks are
// cancelled instead of burning status-mismatch retries into a failed row.
func (s *Scheduler) isSuperseded(ctx context.Context, task *queue.Task) bool {
	s.mu.Lock()
	books := s.books
	s.mu.Unlock()
	if books == nil {
		return false
	}
	book, err := books.Book(ctx, task.BookID)
	if err != nil {
		return false
	}
	if book == nil {
		return true
	}
	return !queue.IsEligibleForStage(book.Status, task.Stage)
}

func (s *Scheduler) handlerFor(stage queue.Stage) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[stage]
}

// handleFailure applies the retry policy. Quota exhaustion pauses the whole
// stage instead of burning retries on an account that cannot download
// anything until tomorrow.
func (s *Scheduler) handleFailure(ctx context.Context, task *queue.Task, runErr error) {
	now := time.Now().UTC()
	task.ErrorMessage = runErr.Error()

	if errors.Is(runErr, services.ErrQuotaExhausted) {
		s.pauseStage(ctx, task.Stage, "quota exhausted")
		task.Status = queue.TaskCancelled
		task.CompletedAt = &now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("mark task cancelled", slog.Any("error", err))
		}
		return
	}

	cls := services.Classify(runErr)
	if cls.Retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = queue.TaskQueued
		task.StartedAt = nil
		task.NextRunAt = now.Add(backoffDelay(cls.Category, task.RetryCount))
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("requeue task", slog.Any("error", err))
		}
		s.mu.Lock()
		s.seq++
		heap.Push(&s.tasks, &heapItem{task: task, seq: s.seq})
		s.mu.Unlock()
		s.logger.Warn("task retry scheduled",
			slog.String("task_id", task.ID),
			slog.Int("retry", task.RetryCount),
			slog.Time("next_run", task.NextRunAt),
			slog.Any("error", runErr))
		return
	}

	task.Status = queue.TaskFailed
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("mark task failed", slog.Any("error", err))
	}
	s.recordBookFailure(ctx, task, cls.Retryable)
	s.logger.Error("task failed",
		slog.String("task_id", task.ID),
		slog.String("category", string(cls.Category)),
		slog.Any("error", runErr))
}

// recordBookFailure moves the book into the stage's resting failure status
// when a task exhausts its retries. Non-retryable errors already left the
// book in failed_permanent via the execution wrapper.
func (s *Scheduler) recordBookFailure(ctx context.Context, task *queue.Task, retryable bool) {
	if !retryable {
		return
	}
	s.mu.Lock()
	books := s.books
	s.mu.Unlock()
	if books == nil {
		return
	}
	failedStatus, ok := queue.FailedStatus(task.Stage)
	if !ok {
		return
	}
	book, err := books.Book(ctx, task.BookID)
	if err != nil || book == nil {
		return
	}
	if book.Status != queue.QueuedStatus(task.Stage) {
		return
	}
	if err := books.TransitionStatus(ctx, task.BookID, failedStatus, "retries exhausted", task.ErrorMessage, 0, task.RetryCount); err != nil {
		s.logger.Error("record book failure", slog.Any("error", err))
	}
}

// pauseStage flips the pause switch, cancels every queued task for the
// stage, and drops the cancelled tasks from the heap.
func (s *Scheduler) pauseStage(ctx context.Context, stage queue.Stage, reason string) {
	s.pauser.Pause(stage, reason)
	cancelled, err := s.store.CancelStageTasks(ctx, stage, reason)
	if err != nil {
		s.logger.Error("cancel stage tasks", slog.Any("error", err))
	}
	s.mu.Lock()
	for _, id := range cancelled {
		s.tombstones[id] = struct{}{}
	}
	s.mu.Unlock()
	s.logger.Warn("stage paused",
		slog.String("stage", string(stage)),
		slog.String("reason", reason),
		logging.Int("cancelled_tasks", len(cancelled)))
	if s.notifier != nil {
		if err := s.notifier.NotifyStagePaused(ctx, string(stage), reason); err != nil {
			s.logger.Warn("pause notification failed", slog.Any("error", err))
		}
	}
}

// ResumeStage lifts a pause and re-enqueues every book waiting in the
// stage's queued status.
func (s *Scheduler) ResumeStage(ctx context.Context, stage queue.Stage) (int, error) {
	s.pauser.Resume(stage)
	books, err := s.store.BooksByStatus(ctx, 0, queue.QueuedStatus(stage))
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, book := range books {
		if err := s.EnqueueStage(ctx, book.ID, stage, queue.PriorityNormal, 0); err != nil {
			return requeued, err
		}
		requeued++
	}
	s.logger.Info("stage resumed",
		slog.String("stage", string(stage)),
		logging.Int("requeued", requeued))
	if s.notifier != nil {
		if err := s.notifier.NotifyStageResumed(ctx, string(stage)); err != nil {
			s.logger.Warn("resume notification failed", slog.Any("error", err))
		}
	}
	return requeued, nil
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			purged, err := s.store.PurgeTasks(ctx, now.Add(-finishedRetention), now.Add(-failedRetention))
			if err != nil {
				s.logger.Error("purge tasks", slog.Any("error", err))
				continue
			}
			if purged > 0 {
				s.logger.Debug("tasks purged", slog.Int64("purged", purged))
			}
			pruned, err := s.store.PruneHistory(ctx, now.Add(-historyRetention))
			if err != nil {
				s.logger.Error("prune history", slog.Any("error", err))
				continue
			}
			if pruned > 0 {
				s.logger.Debug("history pruned", slog.Int64("pruned", pruned))
			}
		}
	}
}

// backoffDelay computes the retry delay. Status mismatches get two short
// probes before joining the exponential curve: the usual cause is a
// transition that has not settled yet, not a real fault.
func backoffDelay(category services.Category, retry int) time.Duration {
	if category == services.CategoryStatusMismatch && retry <= 2 {
		return time.Duration(5+5*retry) * time.Second
	}
	if retry > 4 {
		return 5 * time.Minute
	}
	delay := 30 * time.Second << (retry - 1)
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}
