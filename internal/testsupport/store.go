package testsupport

import (
	"context"
	"testing"

	"bindery/internal/config"
	"bindery/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewBook creates a book row for tests using the provided store.
func NewBook(t testing.TB, store *queue.Store, doubanID, title string) *queue.Book {
	t.Helper()

	book, err := store.NewBook(context.Background(), doubanID, title, "")
	if err != nil {
		t.Fatalf("store.NewBook: %v", err)
	}
	return book
}
