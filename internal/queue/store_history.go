package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBookNotFound indicates a transition referenced a missing book.
var ErrBookNotFound = errors.New("book not found")

// Transition atomically writes a book's new status together with its history
// row and returns the status the book held before the write. Legality of the
// edge is the state manager's concern; this layer only guarantees the two
// writes commit or roll back together.
func (s *Store) Transition(ctx context.Context, bookID int64, to Status, reason, errText string, processingMS int64, retryCount int) (Status, error) {
	ctx = ensureContext(ctx)
	var from Status

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var statusStr string
		row := tx.QueryRowContext(ctx, `SELECT status FROM books WHERE id = ?`, bookID)
		if err := row.Scan(&statusStr); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrBookNotFound, bookID)
			}
			return fmt.Errorf("load book status: %w", err)
		}
		from = Status(statusStr)

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE books SET status = ?, error_message = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
			to,
			nullableString(errText),
			retryCount,
			now,
			bookID,
		); err != nil {
			return fmt.Errorf("write status: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO status_history (book_id, from_status, to_status, reason, error_text, processing_ms, retry_count, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			bookID,
			from,
			to,
			nullableString(reason),
			nullableString(errText),
			processingMS,
			retryCount,
			now,
		); err != nil {
			return fmt.Errorf("write history: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return from, nil
}

// History returns a book's transitions oldest-first.
func (s *Store) History(ctx context.Context, bookID int64) ([]*HistoryEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, book_id, from_status, to_status, reason, error_text, processing_ms, retry_count, created_at
         FROM status_history WHERE book_id = ? ORDER BY id`,
		bookID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// RecentHistory returns the latest transitions across all books, newest-first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, book_id, from_status, to_status, reason, error_text, processing_ms, retry_count, created_at
         FROM status_history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// HistorySince returns transitions recorded at or after the cutoff.
func (s *Store) HistorySince(ctx context.Context, cutoff time.Time) ([]*HistoryEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, book_id, from_status, to_status, reason, error_text, processing_ms, retry_count, created_at
         FROM status_history WHERE created_at >= ? ORDER BY id`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query history since: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// PruneHistory removes history rows older than the cutoff.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM status_history WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func collectHistory(rows *sql.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		var (
			entry      HistoryEntry
			fromStr    string
			toStr      string
			reason     sql.NullString
			errText    sql.NullString
			createdRaw sql.NullString
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.BookID,
			&fromStr,
			&toStr,
			&reason,
			&errText,
			&entry.ProcessingMS,
			&entry.RetryCount,
			&createdRaw,
		); err != nil {
			return nil, err
		}
		entry.FromStatus = Status(fromStr)
		entry.ToStatus = Status(toStr)
		entry.Reason = reason.String
		entry.ErrorText = errText.String
		if created, err := parseTimeString(createdRaw.String); err == nil {
			entry.CreatedAt = created
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
