// Package server exposes the pull scheduler over HTTP and streams bus events
// to websocket subscribers.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/pulse/events"
	"github.com/teranos/nebular/pulse/pull"
)

// Puller is the part of the orchestrator the HTTP surface drives
type Puller interface {
	RunManualPull(ctx context.Context, actor string, cycles int) (*pull.Stats, error)
	Cancel() bool
	Status() pull.State
}

// BackgroundService is started with the server and stopped before it drains
type BackgroundService interface {
	Start()
	Stop()
}

// Deps are the collaborators of a Server. Recorder, Services and Clock are optional.
type Deps struct {
	Puller   Puller
	Jobs     *async.Store
	Recorder *async.Recorder
	Audit    *audit.Log
	Bus      *events.Bus
	Services []BackgroundService
	Clock    func() time.Time
}

// Options configure the HTTP surface
type Options struct {
	// AllowedOrigins are origin prefixes accepted for CORS and websocket upgrades.
	// Empty means localhost only.
	AllowedOrigins []string

	// DefaultCycles is used when POST /api/pull omits cycles
	DefaultCycles int
}

// Server serves the pull API and the event stream
type Server struct {
	Deps
	opts   Options
	logger *zap.SugaredLogger

	clients map[*Client]struct{}
	mu      sync.Mutex

	httpServer *http.Server
	handler    http.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates a server. Call Start to serve and Stop to drain.
func New(deps Deps, opts Options, log *zap.SugaredLogger) *Server {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.DefaultCycles < pull.MinCycles {
		opts.DefaultCycles = pull.MinCycles
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Deps:    deps,
		opts:    opts,
		logger:  logger.OrNop(log).Named("server"),
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.handler = s.setupHTTPRoutes()
	return s
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Infow("Server state changed", "new_state", st.String())
}

// clientCount returns the number of connected websocket clients
func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// register adds c unless MaxClients is reached
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients,
		)
		return false
	}
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.logger.Infow("Client disconnected",
			"client_id", c.id,
			"total_clients", total,
			"dropped_events", c.sub.Dropped(),
		)
	}
}
