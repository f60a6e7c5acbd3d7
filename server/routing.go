package server

import (
	"net/http"
	"strings"
)

// setupHTTPRoutes builds the mux for the pull API and the event stream
func (s *Server) setupHTTPRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/events", s.corsMiddleware(s.HandleEventsWebSocket)) // Bus subscription (pull.status, jobs.counts, article.mutated)
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/pull/status", s.corsMiddleware(s.HandlePullStatus)) // Pull cycle state (GET)
	mux.HandleFunc("/api/pull", s.corsMiddleware(s.HandlePull))              // Run (POST) or cancel (DELETE) a manual pull
	mux.HandleFunc("/api/jobs/counts", s.corsMiddleware(s.HandleJobCounts))  // Aggregate job counts (GET)
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))              // Job sub-resources: runs (GET), cancel (POST)
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))              // List jobs (GET)
	mux.HandleFunc("/api/audit", s.corsMiddleware(s.HandleAudit))            // Audit trail (GET)

	return mux
}

// corsMiddleware adds CORS headers for allowed origins and answers preflights
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// checkOrigin validates a request origin against the configured prefixes.
// Requests without an Origin header (CLI, tests) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := s.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "https://localhost", "http://127.0.0.1"}
	}
	// Prefix match so any port is accepted
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
