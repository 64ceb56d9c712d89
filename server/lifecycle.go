package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/sym"
)

func (s *StudioServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *StudioServer) setState(next ServerState) {
	prev := ServerState(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Infow("Server state changed", "from", prev, "to", next)
	}
}

func (st ServerState) String() string {
	switch st {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	}
	return "unknown"
}

// ListenAndServe serves the API on port until Stop is called
func (s *StudioServer) ListenAndServe(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(listener)
}

// Serve serves the API on listener until Stop is called
func (s *StudioServer) Serve(listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Infow(fmt.Sprintf("%s StudioOS API listening", sym.Pulse), "address", listener.Addr().String())

	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "HTTP server failed")
}

// Stop drains HTTP requests, closes WebSocket clients and waits for their
// goroutines. The engine components are stopped by their owner.
func (s *StudioServer) Stop() error {
	if s.getState() == ServerStateStopped {
		return nil
	}
	s.setState(ServerStateDraining)

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	// Cancel context to stop every write pump; each sends a close frame
	s.cancel()

	s.mu.Lock()
	open := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("WebSocket clients did not drain, closing them", logger.FieldCount, len(open), "timeout", ShutdownTimeout)
		for _, c := range open {
			c.conn.Close()
		}
	}

	s.setState(ServerStateStopped)
	return errors.Wrap(shutdownErr, "HTTP shutdown incomplete")
}
