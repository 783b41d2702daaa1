package queue_test

import (
	"context"
	"testing"
	"time"

	"bindery/internal/queue"
	"bindery/internal/testsupport"
)

func TestNewBookAndLookup(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	book, err := store.NewBook(ctx, "36104107", "小王子", "圣埃克苏佩里")
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	if book.ID == 0 {
		t.Fatal("expected an assigned id")
	}
	if book.Status != queue.StatusNew {
		t.Fatalf("new book status = %s, want new", book.Status)
	}

	byID, err := store.BookByID(ctx, book.ID)
	if err != nil {
		t.Fatalf("BookByID: %v", err)
	}
	if byID == nil || byID.Title != "小王子" {
		t.Fatalf("BookByID returned %+v", byID)
	}

	bySubject, err := store.BookByDoubanID(ctx, "36104107")
	if err != nil {
		t.Fatalf("BookByDoubanID: %v", err)
	}
	if bySubject == nil || bySubject.ID != book.ID {
		t.Fatalf("BookByDoubanID returned %+v", bySubject)
	}

	missing, err := store.BookByID(ctx, 9999)
	if err != nil {
		t.Fatalf("BookByID(missing): %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing book")
	}
}

func TestTransitionWritesHistory(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	if _, err := store.Transition(ctx, book.ID, queue.StatusDetailFetching, "stage started", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := store.Transition(ctx, book.ID, queue.StatusDetailComplete, "stage completed", "", 1200, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	updated, err := store.BookByID(ctx, book.ID)
	if err != nil {
		t.Fatalf("BookByID: %v", err)
	}
	if updated.Status != queue.StatusDetailComplete {
		t.Fatalf("status = %s, want detail_complete", updated.Status)
	}

	history, err := store.History(ctx, book.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows = %d, want 2", len(history))
	}
	first := history[0]
	if first.FromStatus != queue.StatusNew || first.ToStatus != queue.StatusDetailFetching {
		t.Fatalf("first row %s -> %s", first.FromStatus, first.ToStatus)
	}
	second := history[1]
	if second.ProcessingMS != 1200 {
		t.Fatalf("processing ms = %d, want 1200", second.ProcessingMS)
	}
}

func TestTransitionMissingBook(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if _, err := store.Transition(context.Background(), 42, queue.StatusDetailFetching, "x", "", 0, 0); err == nil {
		t.Fatal("expected error for missing book")
	}
}

func TestBooksByStatus(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	a := testsupport.NewBook(t, store, "1", "First")
	testsupport.NewBook(t, store, "2", "Second")
	if _, err := store.Transition(ctx, a.ID, queue.StatusDetailFetching, "", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	waiting, err := store.BooksByStatus(ctx, 0, queue.StatusNew)
	if err != nil {
		t.Fatalf("BooksByStatus: %v", err)
	}
	if len(waiting) != 1 || waiting[0].Title != "Second" {
		t.Fatalf("BooksByStatus(new) = %+v", waiting)
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts[queue.StatusNew] != 1 || counts[queue.StatusDetailFetching] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	task := &queue.Task{
		ID:         "task-1",
		BookID:     book.ID,
		Stage:      queue.StageSearch,
		Status:     queue.TaskQueued,
		Priority:   queue.PriorityNormal,
		MaxRetries: 3,
		NextRunAt:  time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "task-1" {
		t.Fatalf("QueuedTasks = %+v", queued)
	}

	started := time.Now().UTC()
	task.Status = queue.TaskActive
	task.StartedAt = &started
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	loaded, err := store.TaskByID(ctx, "task-1")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if loaded.Status != queue.TaskActive || loaded.StartedAt == nil {
		t.Fatalf("loaded task %+v", loaded)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if counts[queue.TaskActive] != 1 {
		t.Fatalf("task counts = %v", counts)
	}
}

func TestCancelStageTasks(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	for _, id := range []string{"d1", "d2"} {
		task := &queue.Task{
			ID:        id,
			BookID:    book.ID,
			Stage:     queue.StageDownload,
			Status:    queue.TaskQueued,
			Priority:  queue.PriorityNormal,
			NextRunAt: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask(%s): %v", id, err)
		}
	}
	other := &queue.Task{
		ID: "s1", BookID: book.ID, Stage: queue.StageSearch,
		Status: queue.TaskQueued, Priority: queue.PriorityNormal,
		NextRunAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertTask(ctx, other); err != nil {
		t.Fatalf("InsertTask(s1): %v", err)
	}

	cancelled, err := store.CancelStageTasks(ctx, queue.StageDownload, "quota exhausted")
	if err != nil {
		t.Fatalf("CancelStageTasks: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("cancelled = %v, want 2 ids", cancelled)
	}
	queued, err := store.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "s1" {
		t.Fatalf("remaining queued = %+v", queued)
	}
}

func TestPurgeTasks(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	old := time.Now().UTC().Add(-3 * time.Hour)
	recent := time.Now().UTC()

	mk := func(id string, status queue.TaskStatus, completed time.Time) {
		task := &queue.Task{
			ID: id, BookID: book.ID, Stage: queue.StageSearch,
			Status: status, Priority: queue.PriorityNormal,
			NextRunAt: old, CreatedAt: old,
		}
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask(%s): %v", id, err)
		}
		task.CompletedAt = &completed
		if err := store.UpdateTask(ctx, task); err != nil {
			t.Fatalf("UpdateTask(%s): %v", id, err)
		}
	}
	mk("done-old", queue.TaskCompleted, old)
	mk("done-new", queue.TaskCompleted, recent)
	mk("failed-old", queue.TaskFailed, old)

	// Failed retention is longer, so only the old completed task goes.
	purged, err := store.PurgeTasks(ctx, time.Now().UTC().Add(-2*time.Hour), time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTasks: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if task, err := store.TaskByID(ctx, "done-old"); err != nil || task != nil {
		t.Fatalf("done-old still present: %+v err=%v", task, err)
	}
	if task, err := store.TaskByID(ctx, "failed-old"); err != nil || task == nil {
		t.Fatalf("failed-old should remain, err=%v", err)
	}
}

func TestCandidatesAndDownloadQueue(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")

	candidates := []*queue.SearchCandidate{
		{BookID: book.ID, CatalogID: "c1", Title: "A Book", Format: "epub", MatchScore: 0.95},
		{BookID: book.ID, CatalogID: "c2", Title: "A Book", Format: "pdf", MatchScore: 0.80},
	}
	if err := store.SaveCandidates(ctx, book.ID, candidates); err != nil {
		t.Fatalf("SaveCandidates: %v", err)
	}

	saved, err := store.Candidates(ctx, queue.CandidateFilter{BookID: book.ID})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("candidates = %d, want 2", len(saved))
	}
	if saved[0].MatchScore < saved[1].MatchScore {
		t.Fatal("candidates not ordered by score descending")
	}

	// Upsert on the same catalog id must not duplicate.
	if err := store.SaveCandidates(ctx, book.ID, candidates[:1]); err != nil {
		t.Fatalf("SaveCandidates upsert: %v", err)
	}
	saved, err = store.Candidates(ctx, queue.CandidateFilter{BookID: book.ID})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("after upsert candidates = %d, want 2", len(saved))
	}

	if err := store.EnqueueDownload(ctx, book.ID, saved[0].ID, 115); err != nil {
		t.Fatalf("EnqueueDownload: %v", err)
	}
	entry, err := store.NextDownload(ctx, book.ID)
	if err != nil {
		t.Fatalf("NextDownload: %v", err)
	}
	if entry == nil || entry.CandidateID != saved[0].ID || entry.Priority != 115 {
		t.Fatalf("NextDownload = %+v", entry)
	}
	if err := store.RemoveDownload(ctx, entry.ID); err != nil {
		t.Fatalf("RemoveDownload: %v", err)
	}
	entry, err = store.NextDownload(ctx, book.ID)
	if err != nil {
		t.Fatalf("NextDownload after remove: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected empty download queue, got %+v", entry)
	}
}

func TestStuckAndActiveBooks(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	active := testsupport.NewBook(t, store, "1", "Active")
	if _, err := store.Transition(ctx, active.ID, queue.StatusDetailFetching, "", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	testsupport.NewBook(t, store, "2", "Waiting")

	activeBooks, err := store.ActiveBooks(ctx)
	if err != nil {
		t.Fatalf("ActiveBooks: %v", err)
	}
	if len(activeBooks) != 1 || activeBooks[0].ID != active.ID {
		t.Fatalf("ActiveBooks = %+v", activeBooks)
	}

	// Nothing is older than the cutoff yet.
	stuck, err := store.StuckBooks(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StuckBooks: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("StuckBooks = %+v, want none", stuck)
	}

	// With a future cutoff every active book counts as stuck.
	stuck, err = store.StuckBooks(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("StuckBooks: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("StuckBooks = %+v, want one", stuck)
	}
}
