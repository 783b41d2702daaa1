package monitoring

import (
	"fmt"
	"time"

	"bindery/internal/config"
)

// rule pairs a health predicate with its severity and cooldown.
type rule struct {
	name     string
	severity string
	cooldown time.Duration
	check    func(Snapshot) (string, bool)
}

// defaultRules builds the standing rule set. Thresholds come from
// configuration; windows and cooldowns are fixed.
func defaultRules(cfg *config.Config) []rule {
	errorRateThreshold := cfg.Monitoring.ErrorRateThreshold
	if errorRateThreshold <= 0 {
		errorRateThreshold = 0.5
	}
	backlogThreshold := cfg.Monitoring.BacklogThreshold
	if backlogThreshold <= 0 {
		backlogThreshold = 100
	}
	return []rule{
		{
			name:     "high_error_rate",
			severity: "critical",
			cooldown: 15 * time.Minute,
			check: func(snap Snapshot) (string, bool) {
				if snap.ErrorRate <= errorRateThreshold {
					return "", false
				}
				return fmt.Sprintf("error rate %.0f%% over the last 15 minutes (%d failures)",
					snap.ErrorRate*100, snap.FailedLast), true
			},
		},
		{
			name:     "slow_processing",
			severity: "warning",
			cooldown: time.Hour,
			check: func(snap Snapshot) (string, bool) {
				if snap.Backlog == 0 || snap.CompletedLast >= 1 {
					return "", false
				}
				return fmt.Sprintf("no books completed in the last hour with %d waiting", snap.Backlog), true
			},
		},
		{
			name:     "queue_backlog",
			severity: "warning",
			cooldown: 30 * time.Minute,
			check: func(snap Snapshot) (string, bool) {
				if snap.Backlog <= backlogThreshold {
					return "", false
				}
				return fmt.Sprintf("%d books waiting in queued statuses", snap.Backlog), true
			},
		},
	}
}
