package feeds

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/nebular/errors"
)

// Item is one normalized entry of a fetched feed
type Item struct {
	GUID        string
	Title       string
	Link        string
	Summary     string
	PublishedAt *time.Time
}

// ContentHash identifies the visible content of an item
func (i Item) ContentHash() string {
	sum := sha256.Sum256([]byte(i.Title + "|" + i.Link + "|" + i.Summary))
	return hex.EncodeToString(sum[:])
}

// Article is a stored feed item
type Article struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Summary     string     `json:"summary"`
	ContentHash string     `json:"content_hash"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Mutation describes what an upsert changed
type Mutation struct {
	ArticleID string
	Created   bool
	Fields    []string
	MutatedAt time.Time
}

// ArticleStore persists articles keyed by (source_id, guid)
type ArticleStore struct {
	db *sql.DB
}

// NewArticleStore creates an article store
func NewArticleStore(db *sql.DB) *ArticleStore {
	return &ArticleStore{db: db}
}

// Upsert stores item for sourceID. changed is false when an article with the
// same GUID and content hash already exists.
func (s *ArticleStore) Upsert(ctx context.Context, sourceID string, item Item, now time.Time) (Mutation, bool, error) {
	now = now.UTC()
	if item.GUID == "" {
		return Mutation{}, false, errors.NewInvalidRequestError("item has neither GUID nor link")
	}
	hash := item.ContentHash()

	existing, err := s.get(ctx, sourceID, item.GUID)
	if err != nil {
		return Mutation{}, false, err
	}

	if existing == nil {
		id := uuid.NewString()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO articles (
				id, source_id, guid, title, link, summary, content_hash,
				published_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sourceID, item.GUID, item.Title, item.Link, item.Summary, hash,
			nullTime(item.PublishedAt), now, now)
		if err != nil {
			return Mutation{}, false, errors.Wrapf(err, "failed to insert article %s", item.GUID)
		}
		return Mutation{
			ArticleID: id,
			Created:   true,
			Fields:    []string{"title", "link", "summary", "published_at"},
			MutatedAt: now,
		}, true, nil
	}

	if existing.ContentHash == hash {
		return Mutation{ArticleID: existing.ID}, false, nil
	}

	var fields []string
	if existing.Title != item.Title {
		fields = append(fields, "title")
	}
	if existing.Link != item.Link {
		fields = append(fields, "link")
	}
	if existing.Summary != item.Summary {
		fields = append(fields, "summary")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE articles SET
			title = ?, link = ?, summary = ?, content_hash = ?,
			published_at = COALESCE(?, published_at), updated_at = ?
		WHERE id = ?`,
		item.Title, item.Link, item.Summary, hash, nullTime(item.PublishedAt), now, existing.ID)
	if err != nil {
		return Mutation{}, false, errors.Wrapf(err, "failed to update article %s", existing.ID)
	}
	return Mutation{ArticleID: existing.ID, Fields: fields, MutatedAt: now}, true, nil
}

const articleSelectColumns = `id, source_id, guid, title, link, summary,
	content_hash, published_at, created_at, updated_at`

func scanArticle(row rowScanner) (*Article, error) {
	var (
		a         Article
		published sql.NullTime
	)
	err := row.Scan(&a.ID, &a.SourceID, &a.GUID, &a.Title, &a.Link, &a.Summary,
		&a.ContentHash, &published, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		t := published.Time
		a.PublishedAt = &t
	}
	return &a, nil
}

func (s *ArticleStore) get(ctx context.Context, sourceID, guid string) (*Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleSelectColumns+`
		FROM articles WHERE source_id = ? AND guid = ?`, sourceID, guid)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up article %s", guid)
	}
	return a, nil
}

// ListBySource returns the newest articles of a source
func (s *ArticleStore) ListBySource(ctx context.Context, sourceID string, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+articleSelectColumns+`
		FROM articles
		WHERE source_id = ?
		ORDER BY julianday(COALESCE(published_at, created_at)) DESC, id
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list articles")
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan article")
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating articles")
	}
	return articles, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
