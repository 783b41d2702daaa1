// Package monitoring samples pipeline health and raises alerts when the
// queue degrades: spiking error rates, a stalled pipeline, or a backlog
// that keeps growing.
package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
)

// Snapshot is one sample of pipeline health.
type Snapshot struct {
	TakenAt        time.Time
	StatusCounts   queue.StatusCounts
	TaskCounts     map[queue.TaskStatus]int
	Backlog        int
	ErrorRate      float64
	CompletedLast  int
	FailedLast     int
	ProcessingRate float64
}

// Monitor runs the metrics and alert loops.
type Monitor struct {
	store    *queue.Store
	logger   *slog.Logger
	notifier notifications.Service

	metricsInterval time.Duration
	alertInterval   time.Duration
	rules           []rule

	mu        sync.Mutex
	last      Snapshot
	haveLast  bool
	lastFired map[string]time.Time
	running   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor constructs a monitor with the default rule set.
func NewMonitor(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service) *Monitor {
	metricsInterval := time.Duration(cfg.Monitoring.MetricsInterval) * time.Second
	if metricsInterval <= 0 {
		metricsInterval = time.Minute
	}
	alertInterval := time.Duration(cfg.Monitoring.AlertInterval) * time.Second
	if alertInterval <= 0 {
		alertInterval = time.Minute
	}
	return &Monitor{
		store:           store,
		logger:          logging.NewComponentLogger(logger, "monitoring"),
		notifier:        notifier,
		metricsInterval: metricsInterval,
		alertInterval:   alertInterval,
		rules:           defaultRules(cfg),
		lastFired:       make(map[string]time.Time),
	}
}

// Start launches the metrics and alert loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.metricsLoop(runCtx)
	go m.alertLoop(runCtx)
	return nil
}

// Stop halts both loops. Safe to call more than once.
func (m *Monitor) Stop() {
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
}

// Last returns the most recent snapshot, or false when none has been taken.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.haveLast
}

func (m *Monitor) metricsLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := m.Sample(ctx)
			if err != nil {
				m.logger.Error("sample metrics", slog.Any("error", err))
				continue
			}
			m.logger.Debug("metrics sampled",
				logging.Int("backlog", snap.Backlog),
				slog.Float64("error_rate", snap.ErrorRate),
				slog.Float64("per_hour", snap.ProcessingRate))
		}
	}
}

// Sample reads the queue and computes one snapshot. The error rate covers
// the last 15 minutes of transitions; the processing rate the last hour.
func (m *Monitor) Sample(ctx context.Context) (Snapshot, error) {
	now := time.Now().UTC()
	snap := Snapshot{TakenAt: now}

	counts, err := m.store.StatusCounts(ctx)
	if err != nil {
		return snap, err
	}
	snap.StatusCounts = counts
	snap.Backlog = counts.Backlog()

	taskCounts, err := m.store.TaskCounts(ctx)
	if err != nil {
		return snap, err
	}
	snap.TaskCounts = taskCounts

	recent, err := m.store.HistorySince(ctx, now.Add(-15*time.Minute))
	if err != nil {
		return snap, err
	}
	var failures, successes int
	for _, entry := range recent {
		if entry.ToStatus == queue.StatusFailedPermanent || entry.ErrorText != "" {
			failures++
			continue
		}
		if _, advances := queue.NextStageFor(entry.ToStatus); advances || entry.ToStatus == queue.StatusCompleted {
			successes++
		}
	}
	snap.FailedLast = failures
	if failures+successes > 0 {
		snap.ErrorRate = float64(failures) / float64(failures+successes)
	}

	hourly, err := m.store.HistorySince(ctx, now.Add(-time.Hour))
	if err != nil {
		return snap, err
	}
	for _, entry := range hourly {
		if entry.ToStatus == queue.StatusCompleted {
			snap.CompletedLast++
		}
	}
	snap.ProcessingRate = float64(snap.CompletedLast)

	m.mu.Lock()
	m.last = snap
	m.haveLast = true
	m.mu.Unlock()
	return snap, nil
}

func (m *Monitor) alertLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.alertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// evaluate runs every rule against the latest snapshot. A firing rule is
// silenced for its cooldown so a persistent condition produces one alert
// per window, not one per tick.
func (m *Monitor) evaluate(ctx context.Context) {
	m.mu.Lock()
	snap, ok := m.last, m.haveLast
	m.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UTC()
	for _, r := range m.rules {
		message, firing := r.check(snap)
		if !firing {
			continue
		}
		m.mu.Lock()
		last, fired := m.lastFired[r.name]
		if fired && now.Sub(last) < r.cooldown {
			m.mu.Unlock()
			continue
		}
		m.lastFired[r.name] = now
		m.mu.Unlock()

		m.logger.Warn("alert firing",
			slog.String("alert", r.name),
			slog.String("severity", r.severity),
			slog.String("message", message))
		if m.notifier != nil {
			if err := m.notifier.NotifyAlert(ctx, r.name, r.severity, message); err != nil {
				m.logger.Warn("alert notification failed", slog.Any("error", err))
			}
		}
	}
}
