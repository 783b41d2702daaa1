// Package download implements the download stage: fetching the selected
// candidate from the catalog into the download directory.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"bindery/internal/config"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/services/zlibrary"
	"bindery/internal/stage"
)

// Handler downloads the chosen candidate for one book.
type Handler struct {
	catalog *zlibrary.Client
	store   *queue.Store
	destDir string
	logger  *slog.Logger
}

// NewHandler builds the download stage handler.
func NewHandler(cfg *config.Config, store *queue.Store) (*Handler, error) {
	catalog, err := zlibrary.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{
		catalog: catalog,
		store:   store,
		destDir: cfg.Paths.DownloadDir,
		logger:  slog.Default(),
	}, nil
}

func (h *Handler) Stage() queue.Stage { return queue.StageDownload }

func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

func (h *Handler) CanProcess(book *queue.Book) bool {
	return book != nil && queue.IsEligibleForStage(book.Status, queue.StageDownload)
}

// Process resolves the book's download queue entry to its candidate and
// streams the file. The entry is removed only after the file is safely on
// disk, so an interrupted download is retried from the same entry.
func (h *Handler) Process(ctx context.Context, book *queue.Book) (stage.Result, error) {
	candidate, entryID, err := h.pickCandidate(ctx, book)
	if err != nil {
		return stage.Result{}, err
	}

	var hit zlibrary.Hit
	if candidate.RawJSON != "" {
		if err := json.Unmarshal([]byte(candidate.RawJSON), &hit); err != nil {
			return stage.Result{}, services.Wrap(services.ErrSystem, "download", "decode candidate",
				fmt.Sprintf("candidate %d has malformed payload", candidate.ID), err)
		}
	}
	if hit.CatalogID == "" {
		hit.CatalogID = candidate.CatalogID
		hit.Title = candidate.Title
		hit.Author = candidate.Authors
		hit.Format = candidate.Format
	}

	path, err := h.catalog.Download(ctx, hit, h.destDir)
	if err != nil {
		return stage.Result{}, err
	}
	book.FilePath = path
	book.FileFormat = candidate.Format

	if entryID != 0 {
		if err := h.store.RemoveDownload(ctx, entryID); err != nil {
			h.logger.Warn("remove download entry failed", slog.Any("error", err))
		}
	}
	h.logger.Info("file downloaded",
		slog.String("path", path),
		slog.String("format", candidate.Format))
	return stage.Result{Success: true}, nil
}

func (h *Handler) NextStatus(success bool) queue.Status {
	if success {
		return queue.StatusDownloadComplete
	}
	return queue.StatusFailedPermanent
}

// pickCandidate prefers the download queue entry written by the search
// stage; when it is missing, it falls back to the highest scoring stored
// candidate.
func (h *Handler) pickCandidate(ctx context.Context, book *queue.Book) (*queue.SearchCandidate, int64, error) {
	entry, err := h.store.NextDownload(ctx, book.ID)
	if err != nil {
		return nil, 0, err
	}
	if entry != nil {
		candidate, err := h.store.CandidateByID(ctx, entry.CandidateID)
		if err != nil {
			return nil, 0, err
		}
		if candidate != nil {
			return candidate, entry.ID, nil
		}
	}
	candidates, err := h.store.Candidates(ctx, queue.CandidateFilter{BookID: book.ID, Limit: 1})
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, services.Wrap(services.ErrNotFound, "download", "pick candidate",
			fmt.Sprintf("book %d has no stored candidates", book.ID), nil)
	}
	return candidates[0], 0, nil
}
