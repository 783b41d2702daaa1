package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const bookColumns = "id, douban_id, title, author, publisher, publish_date, isbn, status, error_message, retry_count, file_path, file_format, calibre_id, created_at, updated_at"

// NewBook inserts a book record in the NEW status.
func (s *Store) NewBook(ctx context.Context, doubanID, title, author string) (*Book, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO books (douban_id, title, author, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		nullableString(doubanID),
		title,
		nullableString(author),
		StatusNew,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.BookByID(ctx, id)
}

// BookByID fetches a book by identifier.
func (s *Store) BookByID(ctx context.Context, id int64) (*Book, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// BookByDoubanID returns the book matching a source identifier, if any.
func (s *Store) BookByDoubanID(ctx context.Context, doubanID string) (*Book, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+bookColumns+` FROM books WHERE douban_id = ? ORDER BY id LIMIT 1`,
		doubanID,
	)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by douban id: %w", err)
	}
	return book, nil
}

// UpdateBook persists changes to an existing book. Status changes must go
// through the state manager so a history row is written; this helper is for
// the descriptive fields a stage fills in.
func (s *Store) UpdateBook(ctx context.Context, book *Book) error {
	if book == nil {
		return errors.New("book is nil")
	}
	ctx = ensureContext(ctx)
	book.UpdatedAt = time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE books
         SET douban_id = ?, title = ?, author = ?, publisher = ?, publish_date = ?,
             isbn = ?, error_message = ?, retry_count = ?, file_path = ?,
             file_format = ?, calibre_id = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(book.DoubanID),
		book.Title,
		nullableString(book.Author),
		nullableString(book.Publisher),
		nullableString(book.PublishDate),
		nullableString(book.ISBN),
		nullableString(book.ErrorMessage),
		book.RetryCount,
		nullableString(book.FilePath),
		nullableString(book.FileFormat),
		nullableInt64(book.CalibreID),
		book.UpdatedAt.Format(time.RFC3339Nano),
		book.ID,
	)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

// BooksByStatus returns books matching any of the provided statuses ordered
// by least-recently-updated first.
func (s *Store) BooksByStatus(ctx context.Context, limit int, statuses ...Status) ([]*Book, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ctx = ensureContext(ctx)

	placeholders := makePlaceholders(len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	query := `SELECT ` + bookColumns + ` FROM books WHERE status IN (` + placeholders + `) ORDER BY updated_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
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

// ListBooks returns books filtered by status set (or all books when no status
// is provided), ordered by creation time.
func (s *Store) ListBooks(ctx context.Context, statuses ...Status) ([]*Book, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + bookColumns + ` FROM books`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
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

// StatusCounts returns a count of books grouped by status.
func (s *Store) StatusCounts(ctx context.Context) (StatusCounts, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM books GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// RemoveBook deletes a book (and its history, tasks, and candidates via
// cascading foreign keys).
func (s *Store) RemoveBook(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete book: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanBook(scanner interface{ Scan(dest ...any) error }) (*Book, error) {
	var (
		id           int64
		doubanID     sql.NullString
		title        string
		author       sql.NullString
		publisher    sql.NullString
		publishDate  sql.NullString
		isbn         sql.NullString
		statusStr    string
		errorMessage sql.NullString
		retryCount   sql.NullInt64
		filePath     sql.NullString
		fileFormat   sql.NullString
		calibreID    sql.NullInt64
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&doubanID,
		&title,
		&author,
		&publisher,
		&publishDate,
		&isbn,
		&statusStr,
		&errorMessage,
		&retryCount,
		&filePath,
		&fileFormat,
		&calibreID,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	book := &Book{
		ID:           id,
		DoubanID:     doubanID.String,
		Title:        title,
		Author:       author.String,
		Publisher:    publisher.String,
		PublishDate:  publishDate.String,
		ISBN:         isbn.String,
		Status:       Status(statusStr),
		ErrorMessage: errorMessage.String,
		RetryCount:   int(retryCount.Int64),
		FilePath:     filePath.String,
		FileFormat:   fileFormat.String,
		CalibreID:    calibreID.Int64,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		book.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		book.UpdatedAt = updated
	}
	return book, nil
}
