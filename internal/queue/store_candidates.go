package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SaveCandidates upserts catalog hits for a book, deduplicating on
// (book, catalog id). A re-run of the search stage refreshes scores instead
// of piling up duplicate rows.
func (s *Store) SaveCandidates(ctx context.Context, bookID int64, candidates []*SearchCandidate) error {
	if len(candidates) == 0 {
		return nil
	}
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin candidates tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, candidate := range candidates {
			if candidate == nil {
				continue
			}
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO search_candidates (book_id, catalog_id, title, authors, publisher, format, size_bytes, match_score, raw_json, created_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT(book_id, catalog_id) DO UPDATE
                 SET title = excluded.title,
                     authors = excluded.authors,
                     publisher = excluded.publisher,
                     format = excluded.format,
                     size_bytes = excluded.size_bytes,
                     match_score = excluded.match_score,
                     raw_json = excluded.raw_json`,
				bookID,
				candidate.CatalogID,
				nullableString(candidate.Title),
				nullableString(candidate.Authors),
				nullableString(candidate.Publisher),
				nullableString(candidate.Format),
				candidate.SizeBytes,
				candidate.MatchScore,
				nullableString(candidate.RawJSON),
				now,
			); err != nil {
				return fmt.Errorf("upsert candidate %q: %w", candidate.CatalogID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit candidates: %w", err)
		}
		return nil
	})
}

const candidateColumns = "id, book_id, catalog_id, title, authors, publisher, format, size_bytes, match_score, raw_json, created_at"

// CandidateFilter narrows candidate lookups. Zero values leave the dimension
// unconstrained.
type CandidateFilter struct {
	BookID   int64
	MinScore float64
	Format   string
	Limit    int
}

// Candidates returns catalog hits matching the filter, best score first.
func (s *Store) Candidates(ctx context.Context, filter CandidateFilter) ([]*SearchCandidate, error) {
	ctx = ensureContext(ctx)

	builder := sq.Select(
		"id", "book_id", "catalog_id", "title", "authors", "publisher",
		"format", "size_bytes", "match_score", "raw_json", "created_at",
	).
		From("search_candidates").
		OrderBy("match_score DESC", "id ASC").
		PlaceholderFormat(sq.Question)

	if filter.BookID > 0 {
		builder = builder.Where(sq.Eq{"book_id": filter.BookID})
	}
	if filter.MinScore > 0 {
		builder = builder.Where(sq.GtOrEq{"match_score": filter.MinScore})
	}
	if filter.Format != "" {
		builder = builder.Where(sq.Eq{"format": filter.Format})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidates query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*SearchCandidate
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

// CandidateByID fetches a candidate row.
func (s *Store) CandidateByID(ctx context.Context, id int64) (*SearchCandidate, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM search_candidates WHERE id = ?`, id)
	candidate, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return candidate, nil
}

// EnqueueDownload records the selected candidate with its computed priority.
// Re-selecting the same candidate refreshes the priority.
func (s *Store) EnqueueDownload(ctx context.Context, bookID, candidateID int64, priority int) error {
	ctx = ensureContext(ctx)
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO download_queue (book_id, candidate_id, priority, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(book_id, candidate_id) DO UPDATE SET priority = excluded.priority`,
		bookID,
		candidateID,
		priority,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue download: %w", err)
	}
	return nil
}

// NextDownload returns the highest-priority download entry for a book.
func (s *Store) NextDownload(ctx context.Context, bookID int64) (*DownloadEntry, error) {
	ctx = ensureContext(ctx)

	query, args, err := sq.Select("id", "book_id", "candidate_id", "priority", "created_at").
		From("download_queue").
		Where(sq.Eq{"book_id": bookID}).
		OrderBy("priority DESC", "id ASC").
		Limit(1).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build download query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	var (
		entry      DownloadEntry
		createdRaw sql.NullString
	)
	if err := row.Scan(&entry.ID, &entry.BookID, &entry.CandidateID, &entry.Priority, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next download: %w", err)
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

// RemoveDownload deletes a download-queue entry once consumed.
func (s *Store) RemoveDownload(ctx context.Context, id int64) error {
	ctx = ensureContext(ctx)
	if _, err := s.execWithRetry(ctx, `DELETE FROM download_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove download entry: %w", err)
	}
	return nil
}

func scanCandidate(scanner interface{ Scan(dest ...any) error }) (*SearchCandidate, error) {
	var (
		candidate  SearchCandidate
		title      sql.NullString
		authors    sql.NullString
		publisher  sql.NullString
		format     sql.NullString
		rawJSON    sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&candidate.ID,
		&candidate.BookID,
		&candidate.CatalogID,
		&title,
		&authors,
		&publisher,
		&format,
		&candidate.SizeBytes,
		&candidate.MatchScore,
		&rawJSON,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	candidate.Title = title.String
	candidate.Authors = authors.String
	candidate.Publisher = publisher.String
	candidate.Format = format.String
	candidate.RawJSON = rawJSON.String
	if created, err := parseTimeString(createdRaw.String); err == nil {
		candidate.CreatedAt = created
	}
	return &candidate, nil
}
