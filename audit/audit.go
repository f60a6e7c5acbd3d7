// Package audit records who triggered what in the pull scheduler.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/sym"
)

// Action names an audited event
type Action string

const (
	ActionPullAccepted    Action = "pull.accepted"
	ActionPullRejected    Action = "pull.rejected"
	ActionPullFailed      Action = "pull.failed"
	ActionPullCompleted   Action = "pull.completed"
	ActionPullCancelled   Action = "pull.cancelled"
	ActionJobRequeued     Action = "job.requeued"
	ActionJobFailed       Action = "job.failed"
	ActionJobDone         Action = "job.done"
	ActionJobCancelled    Action = "job.cancelled"
	ActionJobCancelAsked  Action = "job.cancel_requested"
	ActionGuardForceFreed Action = "guard.force_released"
	ActionSourceDisabled  Action = "source.disabled"
)

// Entry is one audit record. Target is empty when the action has no subject.
type Entry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder accepts audit entries
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Log is the SQLite-backed audit trail
type Log struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewLog creates an audit log
func NewLog(db *sql.DB, log *zap.SugaredLogger) *Log {
	return &Log{
		db:     db,
		logger: logger.OrNop(log).Named("audit").With(logger.FieldSymbol, sym.Audit),
	}
}

// Record appends e, filling ID and Timestamp when unset
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.Actor == "" || e.Action == "" {
		return errors.NewInvalidRequestError("audit entry needs actor and action")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, target, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, string(e.Action), sql.NullString{String: e.Target, Valid: e.Target != ""},
		e.Detail, e.Timestamp.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record audit entry %s", e.Action)
	}

	l.logger.Debugw("Audit",
		logger.FieldActor, e.Actor,
		logger.FieldAction, e.Action,
		"target", e.Target,
	)
	return nil
}

// List returns the newest entries first
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor, action, target, detail, timestamp
		FROM audit_log
		ORDER BY julianday(timestamp) DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			target sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &target, &e.Detail, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		e.Target = target.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}
	return entries, nil
}

// Discard drops every entry
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) error { return nil }
