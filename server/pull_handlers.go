package server

import (
	"net/http"

	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/pull"
)

// HandlePull handles /api/pull
// POST: run a manual pull and return its stats (409 when one is running)
// DELETE: advisory cancel of the running pull
func (s *Server) HandlePull(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRunPull(w, r)
	case http.MethodDelete:
		s.handleCancelPull(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRunPull(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "server is shutting down")
		return
	}

	var req pullRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	cycles := s.opts.DefaultCycles
	if req.Cycles != nil {
		cycles = *req.Cycles
	}
	actor := requestActor(r, req.Actor)

	log := logger.AddPulseSymbol(s.logger)
	log.Infow("Manual pull requested",
		logger.FieldActor, actor,
		logger.FieldCycles, cycles,
		"remote", r.RemoteAddr,
	)

	// The pull outlives a disconnecting client; only shutdown stops it
	stats, err := s.Puller.RunManualPull(s.ctx, actor, cycles)
	if err != nil {
		log.Infow("Manual pull not completed", logger.FieldActor, actor, logger.FieldError, err)
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancelPull(w http.ResponseWriter, r *http.Request) {
	state := s.Puller.Status()
	cancelled := s.Puller.Cancel()

	resp := cancelResponse{Cancelled: cancelled}
	if cancelled {
		resp.RunID = state.RunID
		logger.AddPulseSymbol(s.logger).Infow("Pull cancel requested",
			logger.FieldRunID, state.RunID,
			logger.FieldActor, requestActor(r, ""),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePullStatus handles GET /api/pull/status
func (s *Server) HandlePullStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.Puller.Status())
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := healthResponse{
		Status:  "ok",
		State:   s.getState().String(),
		Clients: s.clientCount(),
	}
	if s.Puller != nil {
		resp.PullRunning = s.Puller.Status().InProgress
	}
	if s.Bus != nil {
		resp.Subscribers = s.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestActor picks the audit actor: X-Actor header, then body, then ActorAPI
func requestActor(r *http.Request, fromBody string) string {
	if h := r.Header.Get("X-Actor"); h != "" {
		return h
	}
	if fromBody != "" {
		return fromBody
	}
	return ActorAPI
}

var _ Puller = (*pull.Orchestrator)(nil)
