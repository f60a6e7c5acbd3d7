// Package events carries pull, job and article state changes to subscribers.
//
// Events are transient: never persisted, delivered at most once per
// subscriber, no replay on reconnect.
package events

import "time"

// Kind discriminates the event payload
type Kind string

const (
	KindPullStatus     Kind = "pull.status"
	KindJobCounts      Kind = "jobs.counts"
	KindArticleMutated Kind = "article.mutated"
)

// PullStatus is the public projection of the pull cycle state
type PullStatus struct {
	RunID         string     `json:"run_id"`
	InProgress    bool       `json:"in_progress"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Cycle         int        `json:"cycle"`
	TotalCycles   int        `json:"total_cycles"`
	Actor         string     `json:"actor,omitempty"`
}

// JobCounts is an aggregate snapshot of job statuses
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Done      int `json:"done"`
	Cancelled int `json:"cancelled"`
}

// ArticleMutated reports which fields of an article changed
type ArticleMutated struct {
	ArticleID string    `json:"article_id"`
	Fields    []string  `json:"fields"`
	MutatedAt time.Time `json:"mutated_at"`
}

// Event is a tagged union; exactly one payload matches Kind
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Throttled bool      `json:"throttled"`

	PullStatus     *PullStatus     `json:"pull_status,omitempty"`
	JobCounts      *JobCounts      `json:"job_counts,omitempty"`
	ArticleMutated *ArticleMutated `json:"article_mutated,omitempty"`
}

// NewPullStatus builds a pull.status event
func NewPullStatus(s PullStatus, ts time.Time) Event {
	return Event{Kind: KindPullStatus, Timestamp: ts, PullStatus: &s}
}

// NewJobCounts builds a jobs.counts event
func NewJobCounts(c JobCounts, ts time.Time) Event {
	return Event{Kind: KindJobCounts, Timestamp: ts, JobCounts: &c}
}

// NewArticleMutated builds an article.mutated event
func NewArticleMutated(m ArticleMutated, ts time.Time) Event {
	return Event{Kind: KindArticleMutated, Timestamp: ts, ArticleMutated: &m}
}

// Publisher accepts events; implemented by Bus
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

// Publish implements Publisher
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event
var Discard Publisher = PublisherFunc(func(Event) {})
