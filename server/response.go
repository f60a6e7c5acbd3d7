package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/nebular/db"
	"github.com/teranos/nebular/errors"
)

// errorResponse is the body of every non-2xx JSON response
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried next to the HTTP status
const (
	codeAlreadyInProgress = "already_in_progress"
	codeStoreUnavailable  = "store_unavailable"
	codeNotFound          = "not_found"
	codeInvalidRequest    = "invalid_request"
	codeMethodNotAllowed  = "method_not_allowed"
	codeUnavailable       = "unavailable"
	codeInternal          = "internal"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	_ = writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeErrorFrom maps err onto a status and code.
// Conflicts and store failures get distinct codes so clients can tell them apart.
// A closed database during shutdown counts as a store failure.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case errors.IsAlreadyInProgress(err):
		writeError(w, http.StatusConflict, codeAlreadyInProgress, "pull already running")
	case errors.IsStoreUnavailable(err), db.IsDatabaseClosed(err):
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, err.Error())
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, errors.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

// readJSON decodes a JSON request body. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body: "+err.Error())
		return err
	}
	return nil
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// extractPathParts extracts path segments after removing a prefix
func extractPathParts(urlPath, prefix string) []string {
	return strings.Split(strings.Trim(strings.TrimPrefix(urlPath, prefix), "/"), "/")
}

// queryLimit parses ?limit=, falling back to defaultListLimit and capping at maxListLimit
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.NewInvalidRequestError("limit must be a positive integer, got %q", raw)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
