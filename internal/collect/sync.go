package collect

import (
	"context"
	"log/slog"

	"bindery/internal/config"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/services/douban"
)

// Syncer walks the wish shelf and creates queue rows for books it has not
// seen before. New rows start in status new and are picked up by the
// collection stage on its next poll.
type Syncer struct {
	client   *douban.Client
	store    *queue.Store
	notifier notifications.Service
	logger   *slog.Logger
}

// NewSyncer builds a shelf syncer.
func NewSyncer(cfg *config.Config, store *queue.Store, notifier notifications.Service, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		client:   douban.NewClient(cfg),
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "sync")),
	}
}

// Sync fetches the full wish shelf and returns how many new books were
// added. Already-known books are left untouched whatever their status.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	entries, err := s.client.FetchWishList(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, entry := range entries {
		existing, err := s.store.BookByDoubanID(ctx, entry.DoubanID)
		if err != nil {
			return added, err
		}
		if existing != nil {
			continue
		}
		book, err := s.store.NewBook(ctx, entry.DoubanID, entry.Title, entry.Author)
		if err != nil {
			return added, err
		}
		added++
		s.logger.Info("book added from shelf",
			slog.Int64("book_id", book.ID),
			slog.String("title", book.Title))
	}
	if s.notifier != nil && added > 0 {
		if err := s.notifier.NotifySyncCompleted(ctx, added); err != nil {
			s.logger.Warn("sync notification failed", slog.Any("error", err))
		}
	}
	return added, nil
}
