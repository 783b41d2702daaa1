package pipeline

import (
	"context"
	"testing"

	"bindery/internal/queue"
	"bindery/internal/stage"
	"bindery/internal/state"
	"bindery/internal/testsupport"
)

type countingHandler struct {
	stage queue.Stage
	runs  chan int64
}

func (h *countingHandler) Stage() queue.Stage { return h.stage }

func (h *countingHandler) CanProcess(book *queue.Book) bool {
	return book != nil && queue.IsEligibleForStage(book.Status, h.stage)
}

func (h *countingHandler) Process(ctx context.Context, book *queue.Book) (stage.Result, error) {
	h.runs <- book.ID
	return stage.Result{Success: true}, nil
}

func (h *countingHandler) NextStatus(success bool) queue.Status {
	if success {
		return queue.StatusSearchComplete
	}
	return queue.StatusSearchNoResults
}

// A book claimed by the other dispatch path must not be picked up by the
// poller, and must be picked up once the claim is released.
func TestPollSkipsClaimedBook(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	book := testsupport.NewBook(t, store, "1", "A Book")
	if _, err := store.Transition(ctx, book.ID, queue.StatusSearchQueued, "fixture", "", 0, 0); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	manager := state.NewManager(store, nil, nil)
	handler := &countingHandler{stage: queue.StageSearch, runs: make(chan int64, 4)}
	m := NewManager(cfg, manager, nil, nil, handler)

	m.Claims().Claim(book.ID)
	m.pollOnce(ctx)
	m.wg.Wait()
	select {
	case <-handler.runs:
		t.Fatal("claimed book was dispatched")
	default:
	}

	m.Claims().Release(book.ID)
	m.pollOnce(ctx)
	m.wg.Wait()
	select {
	case id := <-handler.runs:
		if id != book.ID {
			t.Fatalf("processed book %d, want %d", id, book.ID)
		}
	default:
		t.Fatal("released book was not dispatched")
	}
	if got := m.InFlight(); len(got) != 0 {
		t.Fatalf("in flight after run = %v", got)
	}

	// Success moves the book through search_complete into the download
	// stage's queued sub-state.
	fresh, err := manager.Book(ctx, book.ID)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if fresh.Status != queue.StatusDownloadQueued {
		t.Fatalf("status = %s, want %s", fresh.Status, queue.StatusDownloadQueued)
	}
}
