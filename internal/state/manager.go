package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
)

// settleDelay gives an in-flight transaction elsewhere time to commit before
// the next stage's task becomes due.
const settleDelay = 3 * time.Second

// Enqueuer schedules a stage run for a book. Implemented by the task
// scheduler; set after construction because the scheduler needs the manager
// first.
type Enqueuer interface {
	EnqueueStage(ctx context.Context, bookID int64, stage queue.Stage, priority queue.TaskPriority, delay time.Duration) error
}

// Manager owns all status transitions. Every write goes through
// TransitionStatus so each change lands with exactly one history row, and
// completion statuses trigger the follow-up stage enqueue.
type Manager struct {
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service

	mu       sync.RWMutex
	enqueuer Enqueuer
}

// NewManager constructs a state manager.
func NewManager(store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Manager {
	return &Manager{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "state"),
		notifier: notifier,
	}
}

// SetEnqueuer wires the scheduler in after construction.
func (m *Manager) SetEnqueuer(enqueuer Enqueuer) {
	m.mu.Lock()
	m.enqueuer = enqueuer
	m.mu.Unlock()
}

func (m *Manager) currentEnqueuer() Enqueuer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enqueuer
}

// Store exposes the underlying store for read paths that bypass transition
// semantics (CLI views, monitoring).
func (m *Manager) Store() *queue.Store {
	return m.store
}

// Book fetches the live record for a book.
func (m *Manager) Book(ctx context.Context, id int64) (*queue.Book, error) {
	return m.store.BookByID(ctx, id)
}

// TransitionStatus moves a book to a new status, recording one history row.
// An edge missing from the legal-transition table is logged and still
// written: eligibility enforcement happens at read time, before a stage
// runs, and a refused write here would lose the audit trail of whatever
// produced the unexpected state.
func (m *Manager) TransitionStatus(ctx context.Context, bookID int64, newStatus queue.Status, reason, errText string, processingTime time.Duration, retryCount int) error {
	from, err := m.store.Transition(ctx, bookID, newStatus, reason, errText, processingTime.Milliseconds(), retryCount)
	if err != nil {
		return fmt.Errorf("transition book %d to %s: %w", bookID, newStatus, err)
	}

	if !queue.IsLegalTransition(from, newStatus) {
		m.logger.Warn("transition outside legal edge table",
			logging.Int64(logging.FieldBookID, bookID),
			logging.String("from_status", string(from)),
			logging.String("to_status", string(newStatus)),
			logging.String("reason", reason),
		)
	} else {
		m.logger.Debug("status transition",
			logging.Int64(logging.FieldBookID, bookID),
			logging.String("from_status", string(from)),
			logging.String("to_status", string(newStatus)),
			logging.String("reason", reason),
		)
	}

	m.afterTransition(ctx, bookID, newStatus)
	return nil
}

func (m *Manager) afterTransition(ctx context.Context, bookID int64, newStatus queue.Status) {
	if nextStage, ok := queue.NextStageFor(newStatus); ok {
		if enqueuer := m.currentEnqueuer(); enqueuer != nil {
			if err := enqueuer.EnqueueStage(ctx, bookID, nextStage, queue.PriorityNormal, settleDelay); err != nil {
				m.logger.Error("enqueue next stage failed",
					logging.Int64(logging.FieldBookID, bookID),
					logging.String(logging.FieldStage, string(nextStage)),
					logging.Error(err),
				)
			}
		}
		// Also hop the book into the stage's queued sub-state so the
		// pipeline tick sees it even if the scheduler path stalls.
		queued := queue.QueuedStatus(nextStage)
		if _, err := m.store.Transition(ctx, bookID, queued, "queued for "+string(nextStage), "", 0, 0); err != nil {
			m.logger.Error("queued-status hop failed",
				logging.Int64(logging.FieldBookID, bookID),
				logging.String("to_status", string(queued)),
				logging.Error(err),
			)
		}
		return
	}

	switch newStatus {
	case queue.StatusUploadComplete:
		if err := m.TransitionStatus(ctx, bookID, queue.StatusCompleted, "pipeline finished", "", 0, 0); err != nil {
			m.logger.Error("completion transition failed", logging.Int64(logging.FieldBookID, bookID), logging.Error(err))
		}
	case queue.StatusCompleted:
		m.notifyCompleted(ctx, bookID)
	case queue.StatusFailedPermanent:
		m.notifyFailed(ctx, bookID)
	}
}

func (m *Manager) notifyCompleted(ctx context.Context, bookID int64) {
	if m.notifier == nil {
		return
	}
	book, err := m.store.BookByID(ctx, bookID)
	if err != nil || book == nil {
		return
	}
	if err := m.notifier.NotifyBookCompleted(ctx, book.Title); err != nil {
		m.logger.Debug("completion notification failed", logging.Error(err))
	}
}

func (m *Manager) notifyFailed(ctx context.Context, bookID int64) {
	if m.notifier == nil {
		return
	}
	book, err := m.store.BookByID(ctx, bookID)
	if err != nil || book == nil {
		return
	}
	if err := m.notifier.NotifyBookFailed(ctx, book.Title, book.ErrorMessage); err != nil {
		m.logger.Debug("failure notification failed", logging.Error(err))
	}
}

// BooksEligibleForStage returns up to limit books whose status satisfies the
// stage's entry condition, least-recently-updated first.
func (m *Manager) BooksEligibleForStage(ctx context.Context, stage queue.Stage, limit int) ([]*queue.Book, error) {
	return m.store.BooksByStatus(ctx, limit, queue.EligibleStatuses(stage)...)
}

// StatusCounts aggregates books per status.
func (m *Manager) StatusCounts(ctx context.Context) (queue.StatusCounts, error) {
	return m.store.StatusCounts(ctx)
}

// History returns a book's transition log, oldest-first.
func (m *Manager) History(ctx context.Context, bookID int64) ([]*queue.HistoryEntry, error) {
	return m.store.History(ctx, bookID)
}

// ResetStuckStatuses reverts books abandoned in an active sub-state past the
// timeout to their queued sub-state. Each revert writes its own history row.
func (m *Manager) ResetStuckStatuses(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	stuck, err := m.store.StuckBooks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, book := range stuck {
		target, ok := queue.ResetTarget(book.Status)
		if !ok {
			continue
		}
		if err := m.TransitionStatus(ctx, book.ID, target, "reset stuck processing", "", 0, book.RetryCount); err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		m.logger.Info("reset stuck books", logging.Int("count", reset), logging.Duration("timeout", timeout))
	}
	return reset, nil
}

// RecoverFromCrash reverts every book left in an active sub-state to its
// queued sub-state, regardless of age. Run once at startup: an active status
// with no running worker can only mean the previous process died mid-stage.
func (m *Manager) RecoverFromCrash(ctx context.Context) (int, error) {
	active, err := m.store.ActiveBooks(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, book := range active {
		target, ok := queue.ResetTarget(book.Status)
		if !ok {
			continue
		}
		if err := m.TransitionStatus(ctx, book.ID, target, "crash recovery", "", 0, book.RetryCount); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered interrupted books", logging.Int("count", recovered))
	}
	return recovered, nil
}

// CleanupMismatchedTasks cancels queued tasks whose book has moved to a
// status the task's stage no longer accepts.
func (m *Manager) CleanupMismatchedTasks(ctx context.Context) (int, error) {
	mismatched, err := m.store.MismatchedTasks(ctx)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	now := time.Now().UTC()
	for _, task := range mismatched {
		task.Status = queue.TaskCancelled
		task.ErrorMessage = "book status no longer matches stage"
		task.CompletedAt = &now
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Info("cancelled mismatched tasks", logging.Int("count", cancelled))
	}
	return cancelled, nil
}
