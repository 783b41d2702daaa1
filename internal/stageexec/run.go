// Package stageexec runs a single stage handler against a single book,
// enforcing the status discipline shared by every stage: fresh re-read,
// eligibility check, active transition, timed execution, terminal
// transition keyed on the outcome.
package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/stage"
	"bindery/internal/state"
)

// Options configures a single execution.
type Options struct {
	Logger  *slog.Logger
	Manager *state.Manager
	Handler stage.Handler
	BookID  int64
}

// Run executes one handler against one book. The returned error is the
// handler's error, wrapped where needed; callers classify it to decide
// retry policy. Status writes happen here and nowhere else:
//
//   - ineligible book: no write, ErrStatusMismatch returned
//   - before Process: transition to the stage's active status
//   - Process nil: transition to NextStatus(success), or Result.Override
//   - Process quota error: status left on the active status, error returned
//   - Process retryable error: transition back to the stage's queued status
//   - Process permanent error: transition to failed_permanent
func Run(ctx context.Context, opts Options) error {
	if opts.Manager == nil || opts.Handler == nil {
		return services.Wrap(services.ErrSystem, "stageexec", "run", "executor missing manager or handler", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Handler.Stage()
	label := string(st)

	book, err := opts.Manager.Book(ctx, opts.BookID)
	if err != nil {
		return services.Wrap(services.ErrSystem, label, "load", "load book", err)
	}
	if book == nil {
		return services.Wrap(services.ErrNotFound, label, "load", fmt.Sprintf("book %d not found", opts.BookID), nil)
	}
	if !opts.Handler.CanProcess(book) {
		return services.Wrap(services.ErrStatusMismatch, label, "dispatch",
			fmt.Sprintf("status %s not accepted by %s", book.Status, label), nil)
	}

	stageCtx := services.WithStage(ctx, label)
	stageCtx = services.WithBookID(stageCtx, book.ID)
	stageLogger := logging.WithContext(stageCtx, logger)
	if aware, ok := opts.Handler.(stage.LoggerAware); ok {
		aware.SetLogger(stageLogger)
	}

	active := queue.ActiveStatus(st)
	if book.Status != active {
		if err := opts.Manager.TransitionStatus(stageCtx, book.ID, active, "stage started", "", 0, book.RetryCount); err != nil {
			return services.Wrap(services.ErrSystem, label, "transition", "mark active", err)
		}
		book.Status = active
	}

	started := time.Now()
	result, procErr := opts.Handler.Process(stageCtx, book)
	elapsed := time.Since(started)

	if procErr != nil {
		return handleFailure(stageCtx, stageLogger, opts.Manager, book, st, procErr, elapsed)
	}

	if err := opts.Manager.Store().UpdateBook(stageCtx, book); err != nil {
		return services.Wrap(services.ErrSystem, label, "persist", "persist book fields", err)
	}
	target := opts.Handler.NextStatus(result.Success)
	if result.Override != "" {
		target = result.Override
	}
	if err := opts.Manager.TransitionStatus(stageCtx, book.ID, target, "stage completed", "", elapsed, book.RetryCount); err != nil {
		return services.Wrap(services.ErrSystem, label, "transition", "record completion", err)
	}
	stageLogger.Info("stage completed",
		slog.String("status", string(target)),
		slog.Duration("elapsed", elapsed))
	return nil
}

func handleFailure(ctx context.Context, logger *slog.Logger, manager *state.Manager, book *queue.Book, st queue.Stage, procErr error, elapsed time.Duration) error {
	cls := services.Classify(procErr)

	if errors.Is(procErr, services.ErrQuotaExhausted) {
		// Leave the book on its active status so it is picked up again
		// once the stage resumes.
		logger.Warn("stage halted on exhausted quota", slog.Any("error", procErr))
		return procErr
	}

	errText := procErr.Error()
	if cls.Retryable {
		if err := manager.TransitionStatus(ctx, book.ID, queue.QueuedStatus(st), "stage failed, retry scheduled", errText, elapsed, book.RetryCount+1); err != nil {
			logger.Error("requeue after failure", slog.Any("error", err))
		}
		return procErr
	}

	if err := manager.TransitionStatus(ctx, book.ID, queue.StatusFailedPermanent, "stage failed permanently", errText, elapsed, book.RetryCount+1); err != nil {
		logger.Error("mark permanent failure", slog.Any("error", err))
	}
	logger.Error("stage failed permanently",
		slog.String("category", string(cls.Category)),
		slog.Any("error", procErr))
	return procErr
}
