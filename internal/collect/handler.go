// Package collect implements the data collection stage: filling a book's
// bibliographic fields from its review-site subject page, plus the shelf
// sync that seeds new books into the queue.
package collect

import (
	"context"
	"log/slog"

	"bindery/internal/config"
	"bindery/internal/queue"
	"bindery/internal/services/douban"
	"bindery/internal/stage"
	"bindery/internal/textutil"
)

// Handler fetches detail pages for books awaiting collection.
type Handler struct {
	client *douban.Client
	logger *slog.Logger
}

// NewHandler builds the collection stage handler.
func NewHandler(cfg *config.Config) *Handler {
	return &Handler{
		client: douban.NewClient(cfg),
		logger: slog.Default(),
	}
}

func (h *Handler) Stage() queue.Stage { return queue.StageCollect }

func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

func (h *Handler) CanProcess(book *queue.Book) bool {
	return book != nil && queue.IsEligibleForStage(book.Status, queue.StageCollect)
}

// Process loads the subject page and copies its fields onto the book.
// Existing non-empty fields are only replaced when the page offers a value.
func (h *Handler) Process(ctx context.Context, book *queue.Book) (stage.Result, error) {
	detail, err := h.client.FetchDetail(ctx, book.DoubanID)
	if err != nil {
		return stage.Result{}, err
	}
	if detail.Title != "" {
		book.Title = detail.Title
	}
	if detail.Author != "" {
		book.Author = detail.Author
	}
	if detail.Publisher != "" {
		book.Publisher = detail.Publisher
	}
	if detail.PublishDate != "" {
		book.PublishDate = detail.PublishDate
	}
	if isbn := textutil.NormalizeISBN(detail.ISBN); isbn != "" {
		book.ISBN = isbn
	}
	h.logger.Debug("detail collected",
		slog.String("title", book.Title),
		slog.String("isbn", book.ISBN))
	return stage.Result{Success: true}, nil
}

func (h *Handler) NextStatus(success bool) queue.Status {
	if success {
		return queue.StatusDetailComplete
	}
	return queue.StatusFailedPermanent
}
