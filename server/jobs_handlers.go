package server

import (
	"net/http"

	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/internal/util"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/async"
)

// HandleJobs handles GET /api/jobs?status=&source_id=&limit=
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	var filter async.JobFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !async.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "unknown job status: "+raw)
			return
		}
		filter.Status = util.Ptr(async.JobStatus(raw))
	}
	filter.SourceID = r.URL.Query().Get("source_id")

	jobs, err := s.Jobs.ListJobs(r.Context(), filter, limit)
	if err != nil {
		s.logger.Warnw("Failed to list jobs", logger.FieldError, err)
		writeErrorFrom(w, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// HandleJobCounts handles GET /api/jobs/counts
func (s *Server) HandleJobCounts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	counts, err := s.Jobs.GetJobCounts(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// HandleJob handles /api/jobs/{id}/...
// GET  /api/jobs/{id}/runs?limit=  attempt history, most recent first
// POST /api/jobs/{id}/cancel       request cancellation
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown job resource")
		return
	}
	jobID := parts[0]

	switch parts[1] {
	case "runs":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleListJobRuns(w, r, jobID)
	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleCancelJob(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "unknown job resource: "+parts[1])
	}
}

func (s *Server) handleListJobRuns(w http.ResponseWriter, r *http.Request, jobID string) {
	limit, err := queryLimit(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if _, err := s.Jobs.GetJob(r.Context(), jobID); err != nil {
		writeErrorFrom(w, err)
		return
	}

	runs, err := s.Jobs.ListJobRuns(r.Context(), jobID, limit)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if runs == nil {
		runs = []*async.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleCancelJob flags a job for cancellation. A pending job is cancelled
// at once; a running one is finished by the retry policy after its attempt.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	actor := requestActor(r, "")

	job, err := s.Jobs.RequestCancel(ctx, jobID, s.Clock())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Job cancel requested",
		logger.FieldJobID, shortID(job.ID),
		logger.FieldSourceID, job.SourceID,
		logger.FieldStatus, job.Status,
		logger.FieldActor, actor,
	)

	if s.Audit != nil {
		if err := s.Audit.Record(ctx, audit.Entry{
			Actor:  actor,
			Action: audit.ActionJobCancelAsked,
			Target: job.ID,
			Detail: "status " + string(job.Status),
		}); err != nil {
			s.logger.Warnw("Failed to audit job cancel", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}
	if s.Recorder != nil && job.Status == async.JobStatusCancelled {
		s.Recorder.PublishCounts(ctx)
	}

	writeJSON(w, http.StatusOK, job)
}

// HandleAudit handles GET /api/audit?limit=
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.Audit == nil {
		writeErrorFrom(w, errors.NewNotFoundError("audit log not configured"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	entries, err := s.Audit.List(r.Context(), limit)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
