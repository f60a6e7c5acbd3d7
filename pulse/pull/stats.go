package pull

import (
	"time"

	"github.com/teranos/nebular/pulse/async"
)

// Cycle bounds
const (
	MinCycles = 1
	MaxCycles = 10
)

// ClampCycles bounds n to [MinCycles, MaxCycles]
func ClampCycles(n int) int {
	if n < MinCycles {
		return MinCycles
	}
	if n > MaxCycles {
		return MaxCycles
	}
	return n
}

// CycleStats counts what happened to the due sources of one cycle
type CycleStats struct {
	Cycle           int       `json:"cycle"`
	Due             int       `json:"due"`
	Attempted       int       `json:"attempted"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Requeued        int       `json:"requeued"`
	JobsCancelled   int       `json:"jobs_cancelled"`
	Skipped         int       `json:"skipped"`
	ArticlesChanged int       `json:"articles_changed"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Stats aggregates a whole pull. Cancelled is true when the pull was
// cancelled before all cycles ran.
type Stats struct {
	RunID           string       `json:"run_id"`
	Actor           string       `json:"actor"`
	Cycles          []CycleStats `json:"cycles"`
	Attempted       int          `json:"attempted"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	Requeued        int          `json:"requeued"`
	JobsCancelled   int          `json:"jobs_cancelled"`
	ArticlesChanged int          `json:"articles_changed"`
	Cancelled       bool         `json:"cancelled"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     time.Time    `json:"completed_at"`
}

func (s *Stats) addCycle(c CycleStats) {
	s.Cycles = append(s.Cycles, c)
	s.Attempted += c.Attempted
	s.Succeeded += c.Succeeded
	s.Failed += c.Failed
	s.Requeued += c.Requeued
	s.JobsCancelled += c.JobsCancelled
	s.ArticlesChanged += c.ArticlesChanged
}

// sourceResult is what one worker reports back to its cycle
type sourceResult struct {
	skipped         bool
	runStatus       async.RunStatus
	action          async.Action
	articlesChanged int
}

func (c *CycleStats) add(r sourceResult) {
	if r.skipped {
		c.Skipped++
		return
	}
	c.Attempted++
	if r.runStatus == async.RunStatusDone {
		c.Succeeded++
	} else {
		c.Failed++
	}
	switch r.action {
	case async.ActionRequeue:
		c.Requeued++
	case async.ActionCancel:
		c.JobsCancelled++
	}
	c.ArticlesChanged += r.articlesChanged
}
