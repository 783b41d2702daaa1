package queue

import (
	"context"
	"fmt"
	"time"
)

// StuckBooks returns books sitting in an active sub-state whose last update
// is older than the cutoff. The state manager reverts each one individually
// so every revert leaves a history row.
func (s *Store) StuckBooks(ctx context.Context, cutoff time.Time) ([]*Book, error) {
	ctx = ensureContext(ctx)
	active := ActiveStatuses()
	placeholders := makePlaceholders(len(active))
	args := make([]any, 0, len(active)+1)
	for _, status := range active {
		args = append(args, status)
	}
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+bookColumns+` FROM books WHERE status IN (`+placeholders+`) AND updated_at < ? ORDER BY updated_at`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query stuck books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// ActiveBooks returns every book currently in an in-flight sub-state,
// regardless of age. Used by crash recovery at startup.
func (s *Store) ActiveBooks(ctx context.Context) ([]*Book, error) {
	return s.BooksByStatus(ctx, 0, ActiveStatuses()...)
}

// ClearBooks removes all books (history, tasks, and candidates cascade).
func (s *Store) ClearBooks(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `DELETE FROM books`)
	if err != nil {
		return 0, fmt.Errorf("clear books: %w", err)
	}
	return res.RowsAffected()
}

// ClearCompleted removes only finished books.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `DELETE FROM books WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}
