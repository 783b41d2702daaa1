package pipeline

import (
	"sync"

	"bindery/internal/queue"
)

// PauseSet is the switchboard for paused stages. Manual pauses from the CLI
// and automatic quota pauses from the scheduler both land here, and both
// the pipeline poller and the scheduler consult it before dispatching.
type PauseSet struct {
	mu      sync.RWMutex
	reasons map[queue.Stage]string
}

// NewPauseSet returns an empty pause set.
func NewPauseSet() *PauseSet {
	return &PauseSet{reasons: make(map[queue.Stage]string)}
}

// Pause marks a stage paused. Pausing an already-paused stage replaces the
// recorded reason.
func (p *PauseSet) Pause(stage queue.Stage, reason string) {
	p.mu.Lock()
	p.reasons[stage] = reason
	p.mu.Unlock()
}

// Resume lifts a pause. Resuming a stage that is not paused is a no-op.
func (p *PauseSet) Resume(stage queue.Stage) {
	p.mu.Lock()
	delete(p.reasons, stage)
	p.mu.Unlock()
}

// Paused reports whether a stage is currently paused.
func (p *PauseSet) Paused(stage queue.Stage) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.reasons[stage]
	return ok
}

// Snapshot returns a copy of the paused stages and their reasons.
func (p *PauseSet) Snapshot() map[queue.Stage]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[queue.Stage]string, len(p.reasons))
	for stage, reason := range p.reasons {
		out[stage] = reason
	}
	return out
}
