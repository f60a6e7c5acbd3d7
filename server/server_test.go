package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/feeds"
	"github.com/teranos/nebular/flags"
	nebtest "github.com/teranos/nebular/internal/testing"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/pulse/events"
	"github.com/teranos/nebular/pulse/pull"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePuller struct {
	mu        sync.Mutex
	err       error
	actor     string
	cycles    int
	cancelled bool
	state     pull.State
}

func (p *fakePuller) RunManualPull(_ context.Context, actor string, cycles int) (*pull.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actor, p.cycles = actor, cycles
	if p.err != nil {
		return nil, p.err
	}
	return &pull.Stats{RunID: "run-1", Actor: actor, Attempted: 2, Succeeded: 2}, nil
}

func (p *fakePuller) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.InProgress {
		return false
	}
	p.cancelled = true
	return true
}

func (p *fakePuller) Status() pull.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type testServer struct {
	db     *sql.DB
	srv    *Server
	puller *fakePuller
	jobs   *async.Store
	audit  *audit.Log
	bus    *events.Bus
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	db := nebtest.CreateTestDB(t)
	ts := &testServer{
		db:     db,
		puller: &fakePuller{},
		jobs:   async.NewStore(db),
		audit:  audit.NewLog(db, nil),
		bus:    events.NewBus(flags.Static(flags.Defaults()), nil, events.WithThrottle(10*time.Millisecond)),
	}
	ts.srv = New(Deps{
		Puller:   ts.puller,
		Jobs:     ts.jobs,
		Recorder: async.NewRecorder(ts.jobs, ts.bus, nil),
		Audit:    ts.audit,
		Bus:      ts.bus,
		Clock:    func() time.Time { return t0 },
	}, opts, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandlePull_RunsWithCyclesAndActor(t *testing.T) {
	ts := newTestServer(t, Options{DefaultCycles: 2})

	w := ts.do(t, http.MethodPost, "/api/pull", `{"cycles": 5}`, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stats pull.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, "alice", ts.puller.actor)
	assert.Equal(t, 5, ts.puller.cycles)
}

func TestHandlePull_DefaultsWithoutBody(t *testing.T) {
	ts := newTestServer(t, Options{DefaultCycles: 3})

	w := ts.do(t, http.MethodPost, "/api/pull", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ActorAPI, ts.puller.actor)
	assert.Equal(t, 3, ts.puller.cycles)
}

func TestHandlePull_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "conflict",
			err:        errors.WithDetailf(errors.ErrAlreadyInProgress, "held by %s", "scheduler"),
			wantStatus: http.StatusConflict,
			wantCode:   codeAlreadyInProgress,
		},
		{
			name:       "store unavailable",
			err:        errors.MarkStoreUnavailable(errors.New("disk I/O error"), "list due sources"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   codeStoreUnavailable,
		},
		{
			name:       "database closed",
			err:        errors.Wrap(sql.ErrConnDone, "sql: database is closed"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   codeStoreUnavailable,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   codeInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			ts.puller.err = tt.err

			w := ts.do(t, http.MethodPost, "/api/pull", `{"cycles": 1}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

func TestHandlePull_ConflictBody(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.puller.err = errors.ErrAlreadyInProgress

	w := ts.do(t, http.MethodPost, "/api/pull", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"pull already running","code":"already_in_progress"}`, w.Body.String())
}

func TestHandlePull_BadBody(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodPost, "/api/pull", `{"cycles": "many"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeInvalidRequest, decodeError(t, w).Code)
}

func TestHandlePull_RejectedWhileDraining(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.srv.setState(ServerStateDraining)

	w := ts.do(t, http.MethodPost, "/api/pull", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, ts.puller.actor, "no pull was started")
}

func TestHandlePull_Cancel(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodDelete, "/api/pull", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled": false}`, w.Body.String())

	ts.puller.state = pull.State{RunID: "run-9", InProgress: true}
	w = ts.do(t, http.MethodDelete, "/api/pull", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled": true, "run_id": "run-9"}`, w.Body.String())
	assert.True(t, ts.puller.cancelled)
}

func TestHandlePullStatus(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.puller.state = pull.State{RunID: "run-3", InProgress: true, Cycle: 2, TotalCycles: 4, Actor: "bob"}

	w := ts.do(t, http.MethodGet, "/api/pull/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st pull.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, ts.puller.state, st)

	w = ts.do(t, http.MethodPost, "/api/pull/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleJobs(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	for i, st := range []async.JobStatus{async.JobStatusPending, async.JobStatusDone, async.JobStatusDone} {
		src := "src-" + string(rune('a'+i))
		nebtest.SeedSource(t, ts.db, src, t0)
		job := async.NewJob(src, 3, t0.Add(time.Duration(i)*time.Second))
		job.Status = st
		require.NoError(t, ts.jobs.UpsertJob(ctx, job))
	}

	w := ts.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []async.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 3)

	w = ts.do(t, http.MethodGet, "/api/jobs?status=done&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, async.JobStatusDone, jobs[0].Status)

	w = ts.do(t, http.MethodGet, "/api/jobs?source_id=src-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "src-a", jobs[0].SourceID)

	w = ts.do(t, http.MethodGet, "/api/jobs?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs/counts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":1,"running":0,"failed":0,"done":2,"cancelled":0}`, w.Body.String())
}

func TestHandleJobs_EmptyListIsArray(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandleJob_Runs(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	nebtest.SeedSource(t, ts.db, "src-1", t0)

	job := async.NewJob("src-1", 3, t0)
	require.NoError(t, ts.jobs.UpsertJob(ctx, job))
	for i := 1; i <= 3; i++ {
		require.NoError(t, ts.jobs.InsertJobRun(ctx, &async.JobRun{
			ID:        job.ID + "-" + string(rune('0'+i)),
			JobID:     job.ID,
			Attempt:   i,
			Status:    async.RunStatusFailed,
			Error:     "timeout",
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/runs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var runs []async.JobRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Attempt, "most recent first")

	w = ts.do(t, http.MethodGet, "/api/jobs/missing/runs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, decodeError(t, w).Code)

	w = ts.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/stages", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleJob_Cancel(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	nebtest.SeedSource(t, ts.db, "src-1", t0)
	nebtest.SeedSource(t, ts.db, "src-2", t0)

	pending := async.NewJob("src-1", 3, t0)
	require.NoError(t, ts.jobs.UpsertJob(ctx, pending))

	w := ts.do(t, http.MethodPost, "/api/jobs/"+pending.ID+"/cancel", "", "X-Actor", "carol")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got async.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, async.JobStatusCancelled, got.Status)

	entries, err := ts.audit.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionJobCancelAsked, entries[0].Action)
	assert.Equal(t, "carol", entries[0].Actor)
	assert.Equal(t, pending.ID, entries[0].Target)

	done := async.NewJob("src-2", 3, t0)
	done.Status = async.JobStatusDone
	require.NoError(t, ts.jobs.UpsertJob(ctx, done))

	w = ts.do(t, http.MethodPost, "/api/jobs/"+done.ID+"/cancel", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs/"+pending.ID+"/cancel", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleAudit(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	for _, a := range []audit.Action{audit.ActionPullAccepted, audit.ActionPullCompleted} {
		require.NoError(t, ts.audit.Record(ctx, audit.Entry{Actor: "alice", Action: a}))
	}

	w := ts.do(t, http.MethodGet, "/api/audit?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

// A real orchestrator whose guard is already held answers 409 and audits the rejection
func TestHandlePull_ConflictWithRealOrchestrator(t *testing.T) {
	db := nebtest.CreateTestDB(t)
	jobs := async.NewStore(db)
	auditLog := audit.NewLog(db, nil)
	guard := pull.NewGuard(true, nil)

	o := pull.NewOrchestrator(pull.Config{}, pull.Deps{
		Guard:    guard,
		Jobs:     jobs,
		Recorder: async.NewRecorder(jobs, nil, nil),
		Sources:  feeds.NewSourceStore(db),
		Articles: feeds.NewArticleStore(db),
		Fetcher:  nil,
		Audit:    auditLog,
		Clock:    func() time.Time { return t0 },
	})
	tok, err := guard.Begin(pull.ActorScheduler, t0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = guard.End(tok) })

	srv := New(Deps{Puller: o, Jobs: jobs, Audit: auditLog}, Options{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/pull", strings.NewReader(`{"cycles": 2}`))
	req.Header.Set("X-Actor", "dave")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"pull already running","code":"already_in_progress"}`, w.Body.String())

	entries, err := auditLog.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionPullRejected, entries[0].Action)
	assert.Equal(t, "dave", entries[0].Actor)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.puller.state = pull.State{InProgress: true}

	w := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var h healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "running", h.State)
	assert.True(t, h.PullRunning)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"https://dash.example.com"}})

	w := ts.do(t, http.MethodOptions, "/api/pull", "", "Origin", "https://dash.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, http.MethodGet, "/api/pull/status", "", "Origin", "https://evil.example.net")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"localhost default any port", nil, "http://localhost:5173", true},
		{"remote rejected by default", nil, "https://example.com", false},
		{"configured prefix", []string{"https://dash.example.com"}, "https://dash.example.com:8443", true},
		{"configured excludes localhost", []string{"https://dash.example.com"}, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Deps{}, Options{AllowedOrigins: tt.allowed}, nil)
			req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(req))
		})
	}
}
