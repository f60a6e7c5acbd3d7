package feeds

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nebtest "github.com/teranos/nebular/internal/testing"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSeedAndApply(t *testing.T) {
	path := writeSeed(t, `
sources:
  - name: Go Blog
    url: https://go.dev/blog/feed.atom
    poll_interval_seconds: 3600
  - url: https://feeds.example.com/rss.xml
  - name: Paused
    url: https://paused.example.com/feed
    disabled: true
`)

	entries, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	store := NewSourceStore(nebtest.CreateTestDB(t))
	ctx := context.Background()

	n, err := ApplySeed(ctx, store, entries, 15*time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Applying twice is idempotent
	_, err = ApplySeed(ctx, store, entries, 15*time.Minute, t0)
	require.NoError(t, err)

	sources, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 3)

	byURL := map[string]*Source{}
	for _, s := range sources {
		byURL[s.URL] = s
	}
	assert.Equal(t, time.Hour, byURL["https://go.dev/blog/feed.atom"].PollInterval)
	assert.Equal(t, 15*time.Minute, byURL["https://feeds.example.com/rss.xml"].PollInterval)
	assert.Equal(t, "https://feeds.example.com/rss.xml", byURL["https://feeds.example.com/rss.xml"].Name)
	assert.True(t, byURL["https://paused.example.com/feed"].Disabled)
}

func TestLoadSeed_Invalid(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, "sources:\n  - name: no url\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no url")

	_, err = LoadSeed(writeSeed(t, "sources: [unterminated"))
	assert.Error(t, err)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
