// Package pipeline polls the queue for eligible books and drives them
// through their stages with a bounded worker pool. It is the safety net
// under the task scheduler: any book sitting in an eligible status gets
// picked up on the next tick whether or not a task exists for it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/stage"
	"bindery/internal/stageexec"
	"bindery/internal/state"
)

// stuckSweepInterval is how often the stuck-status sweep runs, independent
// of the dispatch tick.
const stuckSweepInterval = time.Minute

// Manager owns the poll loop and the worker pool.
type Manager struct {
	manager *state.Manager
	logger  *slog.Logger
	pauses  *PauseSet
	claims  *stage.ClaimSet

	stages       []stage.Handler
	tick         time.Duration
	batchSize    int
	stuckTimeout time.Duration

	workers chan struct{}

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs the pipeline. Handlers run in the order given;
// later stages are listed first so books drain toward completion before
// new work is admitted.
func NewManager(cfg *config.Config, manager *state.Manager, pauses *PauseSet, logger *slog.Logger, stages ...stage.Handler) *Manager {
	tick := time.Duration(cfg.Pipeline.TickInterval) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	batch := cfg.Pipeline.BatchSize
	if batch <= 0 {
		batch = 10
	}
	maxWorkers := cfg.Pipeline.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	stuck := time.Duration(cfg.Pipeline.StuckTimeoutMinutes) * time.Minute
	if stuck <= 0 {
		stuck = 30 * time.Minute
	}
	if pauses == nil {
		pauses = NewPauseSet()
	}
	return &Manager{
		manager:      manager,
		logger:       logging.NewComponentLogger(logger, "pipeline"),
		pauses:       pauses,
		claims:       stage.NewClaimSet(),
		stages:       stages,
		tick:         tick,
		batchSize:    batch,
		stuckTimeout: stuck,
		workers:      make(chan struct{}, maxWorkers),
	}
}

// Pauses exposes the pause set for wiring into the scheduler and CLI.
func (m *Manager) Pauses() *PauseSet { return m.pauses }

// Claims exposes the in-flight book set so the scheduler can share it.
func (m *Manager) Claims() *stage.ClaimSet { return m.claims }

// Start launches the poll loop. Returns an error when already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("pipeline already running")
	}
	m.running = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)
	m.logger.Info("pipeline started",
		logging.Int("stages", len(m.stages)),
		logging.Int("max_workers", cap(m.workers)))
	return nil
}

// Stop halts the loop and waits for in-flight stage runs. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("pipeline stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	sweep := time.NewTicker(stuckSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.sweepStuck(ctx)
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce walks the stages and dispatches every eligible book a worker
// slot is free for. Dispatch stops for the tick once the pool is full.
func (m *Manager) pollOnce(ctx context.Context) {
	for _, handler := range m.stages {
		st := handler.Stage()
		if m.pauses.Paused(st) {
			continue
		}
		books, err := m.manager.BooksEligibleForStage(ctx, st, m.batchSize)
		if err != nil {
			m.logger.Error("poll stage",
				slog.String("stage", string(st)),
				slog.Any("error", err))
			continue
		}
		for _, book := range books {
			if !handler.CanProcess(book) {
				continue
			}
			// A recently touched active row is presumed in flight on a
			// scheduler task; the stuck sweep reclaims stale ones.
			if book.Status == queue.ActiveStatus(st) && time.Since(book.UpdatedAt) < m.stuckTimeout {
				continue
			}
			if !m.claims.Claim(book.ID) {
				continue
			}
			select {
			case m.workers <- struct{}{}:
			case <-ctx.Done():
				m.claims.Release(book.ID)
				return
			default:
				m.claims.Release(book.ID)
				return
			}
			m.wg.Add(1)
			go m.runStage(ctx, handler, book.ID)
		}
	}
}

func (m *Manager) runStage(ctx context.Context, handler stage.Handler, bookID int64) {
	defer m.wg.Done()
	defer func() { <-m.workers }()
	defer m.claims.Release(bookID)

	ctx = services.WithRequestID(ctx, uuid.NewString())
	err := stageexec.Run(ctx, stageexec.Options{
		Logger:  m.logger,
		Manager: m.manager,
		Handler: handler,
		BookID:  bookID,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("stage run failed",
			slog.String("stage", string(handler.Stage())),
			slog.Int64("book_id", bookID),
			slog.Any("error", err))
	}
}

func (m *Manager) sweepStuck(ctx context.Context) {
	reset, err := m.manager.ResetStuckStatuses(ctx, m.stuckTimeout)
	if err != nil {
		m.logger.Error("stuck sweep", slog.Any("error", err))
		return
	}
	if reset > 0 {
		m.logger.Warn("stuck books reset", logging.Int("books", reset))
	}
}

// InFlight reports the books currently claimed by a stage run.
func (m *Manager) InFlight() []int64 {
	return m.claims.InFlight()
}

var _ interface {
	Pause(queue.Stage, string)
	Resume(queue.Stage)
	Paused(queue.Stage) bool
} = (*PauseSet)(nil)
