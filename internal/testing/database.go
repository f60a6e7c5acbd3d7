package testing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/nebular/db"
)

// CreateTestDB creates an in-memory SQLite test database with all migrations applied.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every pooled connection to :memory: is a separate database
	testDB.SetMaxOpenConns(1)

	if _, err := testDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(context.Background(), testDB, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		testDB.Close()
	})

	return testDB
}

// SeedSource inserts a minimal enabled feed source due at nextPoll.
// Job tables reference feed_sources, so job-level tests need one.
func SeedSource(t *testing.T, testDB *sql.DB, id string, nextPoll time.Time) {
	t.Helper()

	now := time.Now().UTC()
	_, err := testDB.Exec(`INSERT INTO feed_sources
		(id, name, url, poll_interval_seconds, next_poll_at, created_at, updated_at)
		VALUES (?, ?, ?, 900, ?, ?, ?)`,
		id, id, "https://feeds.example.com/"+id+".xml", nextPoll.UTC(), now, now)
	if err != nil {
		t.Fatalf("Failed to seed source %s: %v", id, err)
	}
}
