// Package daemon assembles the full runtime: store, state manager, stage
// handlers, scheduler, pipeline, and monitor, guarded by a file lock so
// only one process works a queue database at a time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"bindery/internal/collect"
	"bindery/internal/config"
	"bindery/internal/download"
	"bindery/internal/logging"
	"bindery/internal/monitoring"
	"bindery/internal/notifications"
	"bindery/internal/pipeline"
	"bindery/internal/queue"
	"bindery/internal/scheduler"
	"bindery/internal/search"
	"bindery/internal/stage"
	"bindery/internal/stageexec"
	"bindery/internal/state"
	"bindery/internal/upload"
)

// Daemon owns every long-running component.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	notifier notifications.Service
	manager  *state.Manager
	sched    *scheduler.Scheduler
	pipe     *pipeline.Manager
	monitor  *monitoring.Monitor
	syncer   *collect.Syncer
	lock     *flock.Flock

	mu      sync.Mutex
	started bool
}

// New builds a daemon and all its components. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	notifier := notifications.NewService(cfg)
	manager := state.NewManager(store, logger, notifier)

	searchHandler, err := search.NewHandler(cfg, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build search stage: %w", err)
	}
	downloadHandler, err := download.NewHandler(cfg, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build download stage: %w", err)
	}
	handlers := []stage.Handler{
		upload.NewHandler(cfg),
		downloadHandler,
		searchHandler,
		collect.NewHandler(cfg),
	}

	pauses := pipeline.NewPauseSet()
	pipe := pipeline.NewManager(cfg, manager, pauses, logger, handlers...)

	sched := scheduler.New(cfg, store, logger, notifier)
	sched.SetPauser(pauses)
	sched.SetClaims(pipe.Claims())
	sched.SetStateManager(manager)
	for _, handler := range handlers {
		sched.RegisterHandler(handler.Stage(), taskRunner(logger, manager, handler))
	}
	manager.SetEnqueuer(sched)

	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		notifier: notifier,
		manager:  manager,
		sched:    sched,
		pipe:     pipe,
		monitor:  monitoring.NewMonitor(cfg, store, logger, notifier),
		syncer:   collect.NewSyncer(cfg, store, notifier, logger),
		lock:     flock.New(filepath.Join(cfg.Paths.DataDir, "bindery.lock")),
	}, nil
}

// taskRunner adapts a stage handler into the scheduler's task contract.
func taskRunner(logger *slog.Logger, manager *state.Manager, handler stage.Handler) scheduler.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) error {
		return stageexec.Run(ctx, stageexec.Options{
			Logger:  logger,
			Manager: manager,
			Handler: handler,
			BookID:  task.BookID,
		})
	}
}

// Start acquires the instance lock, repairs state left by a crash, and
// launches the scheduler, pipeline, and monitor.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.mu.Unlock()
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.lock.Path())
	}

	recovered, err := d.manager.RecoverFromCrash(ctx)
	if err != nil {
		d.releaseLock()
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		d.logger.Warn("crash recovery reset active books", logging.Int("books", recovered))
	}
	cleaned, err := d.manager.CleanupMismatchedTasks(ctx)
	if err != nil {
		d.releaseLock()
		return fmt.Errorf("task cleanup: %w", err)
	}
	if cleaned > 0 {
		d.logger.Info("mismatched tasks cancelled", logging.Int("tasks", cleaned))
	}

	if err := d.sched.Start(ctx); err != nil {
		d.releaseLock()
		return err
	}
	if err := d.pipe.Start(ctx); err != nil {
		d.sched.Stop()
		d.releaseLock()
		return err
	}
	if err := d.monitor.Start(ctx); err != nil {
		d.pipe.Stop()
		d.sched.Stop()
		d.releaseLock()
		return err
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	d.logger.Info("daemon started", slog.String("database", d.store.Path()))
	return nil
}

// Stop shuts the components down in reverse start order and releases the
// lock. Safe to call more than once.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	d.monitor.Stop()
	d.pipe.Stop()
	d.sched.Stop()
	d.releaseLock()
	d.logger.Info("daemon stopped")
}

// Close stops everything and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release instance lock", slog.Any("error", err))
	}
}

// Running reports whether Start has completed and Stop has not run.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Notifier exposes the notification service.
func (d *Daemon) Notifier() notifications.Service { return d.notifier }

// Store exposes the queue store for CLI read paths.
func (d *Daemon) Store() *queue.Store { return d.store }

// State exposes the state manager.
func (d *Daemon) State() *state.Manager { return d.manager }

// Scheduler exposes the task scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Pauses exposes the stage pause set.
func (d *Daemon) Pauses() *pipeline.PauseSet { return d.pipe.Pauses() }

// Monitor exposes the health monitor.
func (d *Daemon) Monitor() *monitoring.Monitor { return d.monitor }

// Sync runs a wish-shelf sync and returns how many books were added.
func (d *Daemon) Sync(ctx context.Context) (int, error) {
	return d.syncer.Sync(ctx)
}
