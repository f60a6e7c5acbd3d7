package feeds

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/nebular/errors"
)

// SeedEntry is one source in a seed file
type SeedEntry struct {
	Name                string `yaml:"name"`
	URL                 string `yaml:"url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	Disabled            bool   `yaml:"disabled"`
}

type seedFile struct {
	Sources []SeedEntry `yaml:"sources"`
}

// LoadSeed reads a YAML seed file:
//
//	sources:
//	  - name: Go Blog
//	    url: https://go.dev/blog/feed.atom
//	    poll_interval_seconds: 3600
func LoadSeed(path string) ([]SeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read seed file %s", path)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse seed file %s", path)
	}

	for i, e := range f.Sources {
		if e.URL == "" {
			return nil, errors.NewInvalidRequestError("seed entry %d (%s) has no url", i, e.Name)
		}
		if e.PollIntervalSeconds < 0 {
			return nil, errors.NewInvalidRequestError("seed entry %d (%s) has negative poll interval", i, e.Name)
		}
	}
	return f.Sources, nil
}

// ApplySeed upserts every entry into store. Entries without an interval get
// defaultInterval. Existing sources keep their schedule.
func ApplySeed(ctx context.Context, store *SourceStore, entries []SeedEntry, defaultInterval time.Duration, now time.Time) (int, error) {
	for _, e := range entries {
		interval := defaultInterval
		if e.PollIntervalSeconds > 0 {
			interval = time.Duration(e.PollIntervalSeconds) * time.Second
		}
		name := e.Name
		if name == "" {
			name = e.URL
		}

		src := NewSource(name, e.URL, interval, now)
		src.Disabled = e.Disabled
		if err := store.Upsert(ctx, src); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
