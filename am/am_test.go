package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "nebular.db" {
		t.Errorf("expected default database path 'nebular.db', got %q", cfg.Database.Path)
	}
	if cfg.GetServerPort() != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.GetServerPort())
	}
	if cfg.Pull.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Pull.MaxAttempts)
	}
	if !cfg.Flags.EventsV2 || !cfg.Flags.JobBatchV2 || !cfg.Flags.OptimisticMutations {
		t.Errorf("expected all flags on by default, got %+v", cfg.Flags)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		return *cfg
	}
	zero := 0

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "zero port is invalid", mutate: func(c *Config) { c.Server.Port = &zero }, wantErr: true},
		{name: "zero workers is invalid", mutate: func(c *Config) { c.Pull.Workers = 0 }, wantErr: true},
		{name: "zero max attempts is invalid", mutate: func(c *Config) { c.Pull.MaxAttempts = 0 }, wantErr: true},
		{name: "zero sources per cycle is invalid", mutate: func(c *Config) { c.Pull.MaxSourcesPerCycle = 0 }, wantErr: true},
		{name: "cap below base is invalid", mutate: func(c *Config) {
			c.Pull.BackoffBaseSeconds = 60
			c.Pull.BackoffMaxSeconds = 10
		}, wantErr: true},
		{name: "empty schedule disables cron", mutate: func(c *Config) { c.Pull.Schedule = "" }, wantErr: false},
		{name: "five-field cron is valid", mutate: func(c *Config) { c.Pull.Schedule = "*/10 * * * *" }, wantErr: false},
		{name: "garbage schedule is invalid", mutate: func(c *Config) { c.Pull.Schedule = "every so often" }, wantErr: true},
		{name: "negative throttle is invalid", mutate: func(c *Config) { c.Events.ThrottleMS = -1 }, wantErr: true},
		{name: "negative rate limit is invalid", mutate: func(c *Config) { c.Fetch.RequestsPerMinute = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[pull]
workers = 2
max_attempts = 5

[flags]
events_v2 = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pull.Workers)
	assert.Equal(t, 5, cfg.Pull.MaxAttempts)
	assert.False(t, cfg.Flags.EventsV2)
	assert.True(t, cfg.Flags.JobBatchV2, "unset flags keep their default")
	assert.Equal(t, "@every 5m", cfg.Pull.Schedule)
}

func TestMergeConfigFiles_Precedence(t *testing.T) {
	dir := t.TempDir()
	low := filepath.Join(dir, "system.toml")
	high := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(low, []byte("[pull]\nworkers = 2\nmax_attempts = 7\n"), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(high, []byte("[pull]\nworkers = 8\n"), DefaultFilePermissions))

	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v, []string{low, filepath.Join(dir, "missing.toml"), high})

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pull.Workers, "later file wins")
	assert.Equal(t, 7, cfg.Pull.MaxAttempts, "keys absent from later files survive")
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("prefers am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)
		os.WriteFile(filepath.Join(tmpDir, "test1", "am.toml"), []byte(""), DefaultFilePermissions)
		os.WriteFile(filepath.Join(tmpDir, "test1", "config.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if filepath.Base(result) != "am.toml" {
			t.Errorf("expected am.toml, got %q", result)
		}
	})

	t.Run("fallback to config.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)
		os.WriteFile(filepath.Join(tmpDir, "test2", "config.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if filepath.Base(result) != "config.toml" {
			t.Errorf("expected config.toml, got %q", result)
		}
	})
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[flags]\nevents_v2 = true\n"), DefaultFilePermissions))

	cw, err := NewFileWatcher(path, nil)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	defer cw.Stop()

	reloaded := make(chan *Config, 4)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[flags]\nevents_v2 = false\n"), DefaultFilePermissions))

	select {
	case cfg := <-reloaded:
		assert.False(t, cfg.Flags.EventsV2)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
}
