package pull

import (
	"sync"
	"time"

	"github.com/teranos/nebular/pulse/events"
)

// RunStatus is the outcome of the most recent pull
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// State is the process-wide pull cycle state. After a pull ends it is kept
// as the last known state until the next pull begins.
type State struct {
	RunID         string     `json:"run_id,omitempty"`
	InProgress    bool       `json:"in_progress"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Cycle         int        `json:"cycle"`
	TotalCycles   int        `json:"total_cycles"`
	Actor         string     `json:"actor,omitempty"`
}

// Event projects the state onto a pull.status event
func (s State) Event(now time.Time) events.Event {
	return events.NewPullStatus(events.PullStatus{
		RunID:         s.RunID,
		InProgress:    s.InProgress,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
		LastRunStatus: string(s.LastRunStatus),
		LastError:     s.LastError,
		Cycle:         s.Cycle,
		TotalCycles:   s.TotalCycles,
		Actor:         s.Actor,
	}, now)
}

type stateHolder struct {
	mu sync.RWMutex
	s  State
}

func (h *stateHolder) get() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *stateHolder) set(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.s = s
}

// update applies fn if runID still owns the state and returns the result.
// A pull whose guard was force-released no longer owns it.
func (h *stateHolder) update(runID string, fn func(*State)) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.s.RunID != runID || !h.s.InProgress {
		return h.s, false
	}
	fn(&h.s)
	return h.s, true
}
