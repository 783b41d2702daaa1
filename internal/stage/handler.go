// Package stage defines the contract implemented by every pipeline stage.
package stage

import (
	"context"
	"log/slog"

	"bindery/internal/queue"
)

// Result reports the outcome of a successful Process call. Override, when
// non-empty, replaces the handler's NextStatus result; stages use it for
// dispositions the success/failure split cannot express, such as skipping a
// book that already exists in the library.
type Result struct {
	Success  bool
	Override queue.Status
}

// Handler is a single pipeline stage. Implementations read and enrich the
// book but never write its status; the executor owns every transition.
type Handler interface {
	// Stage identifies which pipeline stage this handler serves.
	Stage() queue.Stage

	// CanProcess reports whether the book's current status is one the
	// stage accepts. The executor calls it on a freshly loaded row
	// immediately before dispatch.
	CanProcess(book *queue.Book) bool

	// Process performs the stage work. Field mutations on book are
	// persisted by the executor when Process returns nil.
	Process(ctx context.Context, book *queue.Book) (Result, error)

	// NextStatus returns the status the book moves to after Process
	// returns nil, keyed on Result.Success.
	NextStatus(success bool) queue.Status
}

// LoggerAware lets handlers receive a request-scoped logger before Process.
type LoggerAware interface {
	SetLogger(logger *slog.Logger)
}
