package server

import "time"

const (
	// MaxClients is the maximum number of concurrent websocket subscribers
	MaxClients = 100

	// ShutdownTimeout is how long Stop waits for goroutines to drain
	ShutdownTimeout = 30 * time.Second

	// ActorAPI is the audit actor for pulls requested over HTTP without an X-Actor header
	ActorAPI = "api"
)

// WebSocket timeouts following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4 * 1024         // clients only send pings and control frames
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// pullRequest is the body of POST /api/pull. Both fields are optional.
type pullRequest struct {
	Cycles *int   `json:"cycles,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// cancelResponse is returned by DELETE /api/pull
type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	RunID     string `json:"run_id,omitempty"`
}

// healthResponse is returned by GET /health
type healthResponse struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	PullRunning bool   `json:"pull_running"`
	Clients     int    `json:"clients"`
	Subscribers int    `json:"subscribers"`
}
