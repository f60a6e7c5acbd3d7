package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/pulse/pull"
)

func TestRemotePull_Success(t *testing.T) {
	var gotActor string
	var gotBody map[string]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/pull", r.URL.Path)
		gotActor = r.Header.Get("X-Actor")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(pull.Stats{RunID: "run-1", Actor: gotActor, Attempted: 4, Succeeded: 3})
	}))
	defer srv.Close()

	stats, err := remotePull(context.Background(), srv.URL+"/", "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, "alice", gotActor)
	assert.Equal(t, 2, gotBody["cycles"])
	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, 3, stats.Succeeded)
}

func TestRemotePull_ErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"conflict", http.StatusConflict, "already_in_progress", errors.IsAlreadyInProgress},
		{"store down", http.StatusServiceUnavailable, "store_unavailable", errors.IsStoreUnavailable},
		{"other", http.StatusInternalServerError, "internal", func(err error) bool {
			return !errors.IsAlreadyInProgress(err) && !errors.IsStoreUnavailable(err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(remoteError{Error: "nope", Code: tt.code})
			}))
			defer srv.Close()

			_, err := remotePull(context.Background(), srv.URL, "cli", 1)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestMarshalSettings(t *testing.T) {
	settings := map[string]any{
		"pull": map[string]any{"workers": 4, "schedule": "@every 5m"},
	}

	data, err := marshalSettings(settings, "yaml")
	require.NoError(t, err)
	var back map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, "@every 5m", back["pull"]["schedule"])

	data, err = marshalSettings(settings, "toml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "[pull]")

	data, err = marshalSettings(settings, "json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"workers": 4`)

	_, err = marshalSettings(settings, "xml")
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "supported formats")
}

func TestStatusLabel(t *testing.T) {
	assert.Contains(t, statusLabel(async.JobStatusPending, true), "(cancelling)")
	assert.NotContains(t, statusLabel(async.JobStatusCancelled, true), "(cancelling)")
	assert.Equal(t, "pending", statusLabel(async.JobStatusPending, false))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
