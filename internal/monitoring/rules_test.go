package monitoring

import (
	"strings"
	"testing"

	"bindery/internal/config"
)

func ruleByName(t *testing.T, rules []rule, name string) rule {
	t.Helper()
	for _, r := range rules {
		if r.name == name {
			return r
		}
	}
	t.Fatalf("rule %s not found", name)
	return rule{}
}

func TestHighErrorRateRule(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitoring.ErrorRateThreshold = 0.5
	rules := defaultRules(cfg)
	r := ruleByName(t, rules, "high_error_rate")

	if _, firing := r.check(Snapshot{ErrorRate: 0.5}); firing {
		t.Fatal("rate at the threshold must not fire")
	}
	message, firing := r.check(Snapshot{ErrorRate: 0.75, FailedLast: 3})
	if !firing {
		t.Fatal("rate above the threshold must fire")
	}
	if !strings.Contains(message, "75%") || !strings.Contains(message, "3 failures") {
		t.Fatalf("message = %q", message)
	}
	if r.severity != "critical" {
		t.Fatalf("severity = %s, want critical", r.severity)
	}
}

func TestSlowProcessingRule(t *testing.T) {
	rules := defaultRules(&config.Config{})
	r := ruleByName(t, rules, "slow_processing")

	if _, firing := r.check(Snapshot{Backlog: 0, CompletedLast: 0}); firing {
		t.Fatal("empty queue must not fire")
	}
	if _, firing := r.check(Snapshot{Backlog: 5, CompletedLast: 2}); firing {
		t.Fatal("active pipeline must not fire")
	}
	message, firing := r.check(Snapshot{Backlog: 5, CompletedLast: 0})
	if !firing {
		t.Fatal("stalled queue with waiting books must fire")
	}
	if !strings.Contains(message, "5 waiting") {
		t.Fatalf("message = %q", message)
	}
}

func TestQueueBacklogRule(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitoring.BacklogThreshold = 10
	rules := defaultRules(cfg)
	r := ruleByName(t, rules, "queue_backlog")

	if _, firing := r.check(Snapshot{Backlog: 10}); firing {
		t.Fatal("backlog at the threshold must not fire")
	}
	if _, firing := r.check(Snapshot{Backlog: 11}); !firing {
		t.Fatal("backlog above the threshold must fire")
	}
}

func TestDefaultThresholds(t *testing.T) {
	// Zero config falls back to 50% error rate and 100 backlog.
	rules := defaultRules(&config.Config{})

	errRule := ruleByName(t, rules, "high_error_rate")
	if _, firing := errRule.check(Snapshot{ErrorRate: 0.4}); firing {
		t.Fatal("0.4 below default threshold must not fire")
	}
	if _, firing := errRule.check(Snapshot{ErrorRate: 0.6}); !firing {
		t.Fatal("0.6 above default threshold must fire")
	}

	backlogRule := ruleByName(t, rules, "queue_backlog")
	if _, firing := backlogRule.check(Snapshot{Backlog: 100}); firing {
		t.Fatal("100 at default threshold must not fire")
	}
	if _, firing := backlogRule.check(Snapshot{Backlog: 101}); !firing {
		t.Fatal("101 above default threshold must fire")
	}
}
