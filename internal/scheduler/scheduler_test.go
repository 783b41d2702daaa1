package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"testing"
	"time"

	"bindery/internal/pipeline"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/stage"
	"bindery/internal/state"
	"bindery/internal/testsupport"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		category services.Category
		retry    int
		want     time.Duration
	}{
		// Status mismatches probe quickly before backing off.
		{services.CategoryStatusMismatch, 1, 10 * time.Second},
		{services.CategoryStatusMismatch, 2, 15 * time.Second},
		{services.CategoryStatusMismatch, 3, 2 * time.Minute},
		// Everything else follows the exponential curve capped at 5m.
		{services.CategoryNetwork, 1, 30 * time.Second},
		{services.CategoryNetwork, 2, time.Minute},
		{services.CategoryNetwork, 3, 2 * time.Minute},
		{services.CategoryNetwork, 4, 4 * time.Minute},
		{services.CategoryNetwork, 5, 5 * time.Minute},
		{services.CategorySystem, 9, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.category, tc.retry); got != tc.want {
			t.Errorf("backoffDelay(%s, %d) = %v, want %v", tc.category, tc.retry, got, tc.want)
		}
	}
}

func TestTaskHeapOrdering(t *testing.T) {
	now := time.Now().UTC()
	mk := func(id string, runAt time.Time, priority queue.TaskPriority, created time.Time) *heapItem {
		return &heapItem{task: &queue.Task{
			ID: id, NextRunAt: runAt, Priority: priority, CreatedAt: created,
		}}
	}

	var tasks taskHeap
	items := []*heapItem{
		mk("late", now.Add(time.Minute), queue.PriorityUrgent, now),
		mk("due-low", now, queue.PriorityLow, now),
		mk("due-high", now, queue.PriorityHigh, now),
		mk("due-high-older", now, queue.PriorityHigh, now.Add(-time.Minute)),
	}
	for i, item := range items {
		item.seq = uint64(i)
		heap.Push(&tasks, item)
	}

	want := []string{"due-high-older", "due-high", "due-low", "late"}
	for _, id := range want {
		item := heap.Pop(&tasks).(*heapItem)
		if item.task.ID != id {
			t.Fatalf("pop order: got %s, want %s", item.task.ID, id)
		}
	}
}

func TestTaskHeapPeekDue(t *testing.T) {
	now := time.Now().UTC()
	var tasks taskHeap
	heap.Push(&tasks, &heapItem{task: &queue.Task{ID: "future", NextRunAt: now.Add(time.Hour)}})

	if tasks.peekDue(now) {
		t.Fatal("future task should not be due")
	}
	if !tasks.peekDue(now.Add(2 * time.Hour)) {
		t.Fatal("task should be due after its run time")
	}
}

func TestEnqueueStageDedupes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	sched := New(cfg, store, nil, nil)
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	// Same pair again is a no-op while the first task is pending.
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage repeat: %v", err)
	}
	// A different stage for the same book still goes through.
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageDownload, queue.PriorityHigh, 0); err != nil {
		t.Fatalf("EnqueueStage other stage: %v", err)
	}

	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued tasks = %d, want 2", len(queued))
	}
	stages := map[queue.Stage]bool{}
	for _, task := range queued {
		stages[task.Stage] = true
		if task.MaxRetries != sched.maxRetries {
			t.Errorf("task %s max retries = %d, want %d", task.ID, task.MaxRetries, sched.maxRetries)
		}
	}
	if !stages[queue.StageSearch] || !stages[queue.StageDownload] {
		t.Fatalf("queued stages = %v", stages)
	}
}

func TestStartRestoresHeap(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	first := New(cfg, store, nil, nil)
	if err := first.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, time.Hour); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}

	// A fresh scheduler sees the persisted task and refuses a duplicate.
	second := New(cfg, store, nil, nil)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer second.Stop()

	if err := second.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued tasks = %d, want 1 after restore dedupe", len(queued))
	}
}

// A task whose book is claimed by the other dispatch path stays on the
// heap; it runs once the claim is released.
func TestDispatchDefersClaimedBook(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	sched := New(cfg, store, nil, nil)
	claims := stage.NewClaimSet()
	sched.SetClaims(claims)

	done := make(chan struct{}, 1)
	sched.RegisterHandler(queue.StageSearch, func(ctx context.Context, task *queue.Task) error {
		done <- struct{}{}
		return nil
	})
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}

	claims.Claim(book.ID)
	sched.dispatchDue(ctx)
	sched.wg.Wait()
	select {
	case <-done:
		t.Fatal("task ran while the book was claimed elsewhere")
	default:
	}
	sched.mu.Lock()
	heapLen := sched.tasks.Len()
	sched.mu.Unlock()
	if heapLen != 1 {
		t.Fatalf("heap len = %d, want the task re-pushed", heapLen)
	}

	claims.Release(book.ID)
	sched.dispatchDue(ctx)
	sched.wg.Wait()
	select {
	case <-done:
	default:
		t.Fatal("task did not run after the claim was released")
	}
	if !claims.Claim(book.ID) {
		t.Fatal("claim not released after the task finished")
	}
}

func TestDispatchRespectsConcurrencyCeiling(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Scheduler.MaxConcurrentTasks = 2
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	sched := New(cfg, store, nil, nil)
	release := make(chan struct{})
	started := make(chan string, 5)
	sched.RegisterHandler(queue.StageSearch, func(ctx context.Context, task *queue.Task) error {
		started <- task.ID
		<-release
		return nil
	})
	for i := 0; i < 5; i++ {
		book := testsupport.NewBook(t, store, fmt.Sprintf("b%d", i), "A Book")
		if err := sched.EnqueueStage(ctx, book.ID, queue.StageSearch, queue.PriorityNormal, 0); err != nil {
			t.Fatalf("EnqueueStage: %v", err)
		}
	}

	sched.dispatchDue(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatched task did not start")
		}
	}
	select {
	case id := <-started:
		t.Fatalf("task %s dispatched beyond the ceiling", id)
	case <-time.After(100 * time.Millisecond):
	}

	sched.mu.Lock()
	activeN := len(sched.activeTasks)
	heapLen := sched.tasks.Len()
	sched.mu.Unlock()
	if activeN != 2 {
		t.Fatalf("active tasks = %d, want 2", activeN)
	}
	if heapLen != 3 {
		t.Fatalf("heap len = %d, want 3 deferred", heapLen)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("queued rows = %d, want 3 untouched", len(queued))
	}

	close(release)
	sched.wg.Wait()
}

func TestHandleFailureQuotaPausesStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	first := testsupport.NewBook(t, store, "1", "A Book")
	second := testsupport.NewBook(t, store, "2", "Another Book")

	sched := New(cfg, store, nil, nil)
	pauses := pipeline.NewPauseSet()
	sched.SetPauser(pauses)

	for _, id := range []int64{first.ID, second.ID} {
		if err := sched.EnqueueStage(ctx, id, queue.StageDownload, queue.PriorityNormal, 0); err != nil {
			t.Fatalf("EnqueueStage: %v", err)
		}
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	var failing, waiting *queue.Task
	for _, task := range queued {
		if task.BookID == first.ID {
			failing = task
		} else {
			waiting = task
		}
	}
	now := time.Now().UTC()
	failing.Status = queue.TaskActive
	failing.StartedAt = &now
	if err := store.UpdateTask(ctx, failing); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	quotaErr := services.Wrap(services.ErrQuotaExhausted, "download", "fetch", "daily limit reached", nil)
	sched.handleFailure(ctx, failing, quotaErr)

	if !pauses.Paused(queue.StageDownload) {
		t.Fatal("download stage not paused")
	}
	got, err := store.TaskByID(ctx, failing.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != queue.TaskCancelled {
		t.Fatalf("failing task status = %s, want %s", got.Status, queue.TaskCancelled)
	}
	remaining, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("queued tasks after quota pause = %d, want 0", len(remaining))
	}
	sched.mu.Lock()
	_, tombstoned := sched.tombstones[waiting.ID]
	sched.mu.Unlock()
	if !tombstoned {
		t.Fatal("cancelled waiting task not tombstoned in the heap")
	}
}

func TestHandleFailureRequeuesRetryable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	sched := New(cfg, store, nil, nil)
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageDownload, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	task := queued[0]
	sched.mu.Lock()
	heap.Pop(&sched.tasks)
	sched.mu.Unlock()

	before := time.Now().UTC()
	netErr := services.Wrap(services.ErrNetwork, "download", "fetch", "connection reset", nil)
	sched.handleFailure(ctx, task, netErr)

	got, err := store.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != queue.TaskQueued {
		t.Fatalf("task status = %s, want %s", got.Status, queue.TaskQueued)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	wait := got.NextRunAt.Sub(before)
	if wait < 25*time.Second || wait > 35*time.Second {
		t.Fatalf("retry wait = %v, want ~30s", wait)
	}
	sched.mu.Lock()
	heapLen := sched.tasks.Len()
	sched.mu.Unlock()
	if heapLen != 1 {
		t.Fatalf("heap len = %d, want the retry pushed", heapLen)
	}
}

func TestHandleFailureExhaustionMarksBookFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")
	if _, err := store.Transition(ctx, book.ID, queue.StatusDownloadQueued, "fixture", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	manager := state.NewManager(store, nil, nil)
	sched := New(cfg, store, nil, nil)
	sched.SetStateManager(manager)

	if err := sched.EnqueueStage(ctx, book.ID, queue.StageDownload, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	task := queued[0]
	task.RetryCount = task.MaxRetries

	netErr := services.Wrap(services.ErrNetwork, "download", "fetch", "connection reset", nil)
	sched.handleFailure(ctx, task, netErr)

	got, err := store.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != queue.TaskFailed {
		t.Fatalf("task status = %s, want %s", got.Status, queue.TaskFailed)
	}
	if got.ErrorMessage == "" {
		t.Fatal("failed task lost its error message")
	}
	fresh, err := manager.Book(ctx, book.ID)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if fresh.Status != queue.StatusDownloadFailed {
		t.Fatalf("book status = %s, want %s", fresh.Status, queue.StatusDownloadFailed)
	}
}

func TestHandleFailureNonRetryableFailsImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")
	if _, err := store.Transition(ctx, book.ID, queue.StatusDownloadQueued, "fixture", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	manager := state.NewManager(store, nil, nil)
	sched := New(cfg, store, nil, nil)
	sched.SetStateManager(manager)

	if err := sched.EnqueueStage(ctx, book.ID, queue.StageDownload, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	task := queued[0]

	authErr := services.Wrap(services.ErrAuth, "download", "fetch", "bad credentials", nil)
	sched.handleFailure(ctx, task, authErr)

	got, err := store.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != queue.TaskFailed {
		t.Fatalf("task status = %s, want %s", got.Status, queue.TaskFailed)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 for a non-retryable error", got.RetryCount)
	}
	// The execution wrapper already records non-retryable failures on the
	// book; the scheduler must not touch it here.
	fresh, err := manager.Book(ctx, book.ID)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if fresh.Status != queue.StatusDownloadQueued {
		t.Fatalf("book status = %s, want untouched %s", fresh.Status, queue.StatusDownloadQueued)
	}
}

// A pending task for a stage the book has already moved past is cancelled
// without running its handler.
func TestRunTaskCancelsSupersededTask(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	sched := New(cfg, store, nil, nil)
	sched.SetStateManager(state.NewManager(store, nil, nil))
	ran := make(chan struct{}, 1)
	sched.RegisterHandler(queue.StageDownload, func(ctx context.Context, task *queue.Task) error {
		ran <- struct{}{}
		return nil
	})
	if err := sched.EnqueueStage(ctx, book.ID, queue.StageDownload, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	// Meanwhile the poller ran the download stage and moved the book on.
	if _, err := store.Transition(ctx, book.ID, queue.StatusUploadQueued, "fixture", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	task := queued[0]
	sched.wg.Add(1)
	sched.runTask(ctx, &heapItem{task: task})

	select {
	case <-ran:
		t.Fatal("superseded task still ran its handler")
	default:
	}
	got, err := store.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != queue.TaskCancelled {
		t.Fatalf("task status = %s, want %s", got.Status, queue.TaskCancelled)
	}
}
