// Package upload implements the upload stage: publishing the downloaded
// file into the calibre library.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bindery/internal/config"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/services/calibre"
	"bindery/internal/stage"
)

// Handler uploads one book's file to the content server.
type Handler struct {
	library *calibre.Client
	logger  *slog.Logger
}

// NewHandler builds the upload stage handler.
func NewHandler(cfg *config.Config) *Handler {
	return &Handler{
		library: calibre.NewClient(cfg),
		logger:  slog.Default(),
	}
}

func (h *Handler) Stage() queue.Stage { return queue.StageUpload }

func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

func (h *Handler) CanProcess(book *queue.Book) bool {
	return book != nil && queue.IsEligibleForStage(book.Status, queue.StageUpload)
}

// Process sends the downloaded file to the library and records the
// resulting calibre ID on the book. A missing file is permanent: the
// download stage already finished, so retrying the upload cannot recreate it.
func (h *Handler) Process(ctx context.Context, book *queue.Book) (stage.Result, error) {
	if book.FilePath == "" {
		return stage.Result{}, services.Wrap(services.ErrNotFound, "upload", "check file",
			fmt.Sprintf("book %d has no downloaded file", book.ID), nil)
	}
	if _, err := os.Stat(book.FilePath); err != nil {
		return stage.Result{}, services.Wrap(services.ErrNotFound, "upload", "check file",
			fmt.Sprintf("downloaded file missing: %s", book.FilePath), err)
	}

	calibreID, err := h.library.Upload(ctx, book.FilePath)
	if err != nil {
		return stage.Result{}, err
	}
	book.CalibreID = calibreID
	h.logger.Info("book uploaded", slog.Int64("calibre_id", calibreID))
	return stage.Result{Success: true}, nil
}

func (h *Handler) NextStatus(success bool) queue.Status {
	if success {
		return queue.StatusUploadComplete
	}
	return queue.StatusFailedPermanent
}
