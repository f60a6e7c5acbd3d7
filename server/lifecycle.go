package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
)

// startBackgroundServices recovers orphaned jobs, then starts the bus and
// the registered services
func (s *Server) startBackgroundServices() {
	if s.Jobs != nil {
		n, err := s.Jobs.RecoverOrphanedJobs(s.ctx, s.Clock())
		if err != nil {
			s.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		} else if n > 0 {
			logger.AddPulseSymbol(s.logger).Infow("Recovered orphaned jobs", logger.FieldCount, n)
		}
	}

	if s.Bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Bus.Run(s.ctx)
		}()
	}

	for _, svc := range s.Services {
		svc.Start()
	}
}

// Start serves on addr until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the server: services stop first, then HTTP, then websocket
// clients and the bus.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	for _, svc := range s.Services {
		svc.Stop()
	}

	// A pull in flight keeps running; ask it to stop taking new sources
	if s.Puller != nil && s.Puller.Cancel() {
		s.logger.Infow("Cancelled active pull for shutdown")
	}

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	// Close client connections before cancelling so the pumps exit cleanly
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clients))
		for _, c := range clients {
			c.close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")

	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	return nil
}
