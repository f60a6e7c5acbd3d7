// Package feeds stores feed sources and their articles and fetches feeds over HTTP.
package feeds

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/nebular/errors"
)

// Source is an external feed polled by the pull scheduler
type Source struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	PollInterval time.Duration `json:"poll_interval"`
	NextPollAt   time.Time     `json:"next_poll_at"`
	Disabled     bool          `json:"disabled"`
	LastPolledAt *time.Time    `json:"last_polled_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorCount   int           `json:"error_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewSource creates an enabled source that is due immediately
func NewSource(name, url string, interval time.Duration, now time.Time) *Source {
	now = now.UTC()
	return &Source{
		ID:           uuid.NewString(),
		Name:         name,
		URL:          url,
		PollInterval: interval,
		NextPollAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

const sourceSelectColumns = `id, name, url, poll_interval_seconds, next_poll_at,
	disabled, last_polled_at, last_error, error_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*Source, error) {
	var (
		src        Source
		intervalS  int64
		disabled   int
		lastPolled sql.NullTime
		lastError  sql.NullString
	)
	err := row.Scan(&src.ID, &src.Name, &src.URL, &intervalS, &src.NextPollAt,
		&disabled, &lastPolled, &lastError, &src.ErrorCount, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.PollInterval = time.Duration(intervalS) * time.Second
	src.Disabled = disabled != 0
	if lastPolled.Valid {
		t := lastPolled.Time
		src.LastPolledAt = &t
	}
	src.LastError = lastError.String
	return &src, nil
}

// SourceStore persists feed sources
type SourceStore struct {
	db *sql.DB
}

// NewSourceStore creates a source store
func NewSourceStore(db *sql.DB) *SourceStore {
	return &SourceStore{db: db}
}

// Upsert inserts a source or updates the configured fields of the source with
// the same URL. src.ID is set to the stored ID.
func (s *SourceStore) Upsert(ctx context.Context, src *Source) error {
	if src.URL == "" {
		return errors.NewInvalidRequestError("source %q has no URL", src.Name)
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_sources (
			id, name, url, poll_interval_seconds, next_poll_at,
			disabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			poll_interval_seconds = excluded.poll_interval_seconds,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at`,
		src.ID, src.Name, src.URL, int64(src.PollInterval/time.Second), src.NextPollAt.UTC(),
		boolInt(src.Disabled), src.CreatedAt.UTC(), src.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to upsert source %s", src.URL)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT id FROM feed_sources WHERE url = ?`, src.URL).Scan(&src.ID); err != nil {
		return errors.Wrapf(err, "failed to read back source %s", src.URL)
	}
	return nil
}

// Get retrieves a source by ID
func (s *SourceStore) Get(ctx context.Context, id string) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceSelectColumns+` FROM feed_sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("source not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get source")
	}
	return src, nil
}

// List returns all sources ordered by name
func (s *SourceStore) List(ctx context.Context) ([]*Source, error) {
	return s.query(ctx, `SELECT `+sourceSelectColumns+` FROM feed_sources ORDER BY name, id`)
}

// ListDue returns enabled sources whose next poll is at or before now, oldest first
func (s *SourceStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Source, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+sourceSelectColumns+`
		FROM feed_sources
		WHERE disabled = 0 AND julianday(next_poll_at) <= julianday(?)
		ORDER BY julianday(next_poll_at), id
		LIMIT ?`, now.UTC(), limit)
}

func (s *SourceStore) query(ctx context.Context, query string, args ...interface{}) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sources")
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan source")
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sources")
	}
	return sources, nil
}

// Reschedule records a poll of the source at polledAt and sets its next poll.
// A non-empty lastErr increments error_count; an empty one resets it.
func (s *SourceStore) Reschedule(ctx context.Context, id string, polledAt, next time.Time, lastErr string) error {
	polledAt = polledAt.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE feed_sources SET
			next_poll_at = ?,
			last_polled_at = ?,
			last_error = ?,
			error_count = CASE WHEN ? = '' THEN 0 ELSE error_count + 1 END,
			updated_at = ?
		WHERE id = ?`,
		next.UTC(), polledAt, nullString(lastErr), lastErr, polledAt, id)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule source %s", id)
	}
	return requireOneRow(res, "source", id)
}

// SetDisabled enables or disables polling of a source
func (s *SourceStore) SetDisabled(ctx context.Context, id string, disabled bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE feed_sources SET disabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(disabled), now.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update source %s", id)
	}
	return requireOneRow(res, "source", id)
}

func requireOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("%s not found: %s", what, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
