// Package server exposes the job engine and the delivery orchestrator over
// HTTP JSON and pushes progress snapshots to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/studioos/auth"
	"github.com/teranos/studioos/blob"
	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/pulse/async"
)

// Deps are the components the API serves. Pool may be nil when this
// process only submits work.
type Deps struct {
	Queue          *async.Queue
	Pool           *async.WorkerPool
	Orchestrator   *delivery.Orchestrator
	Blobs          blob.Store
	Publisher      *pulse.Publisher
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// StudioServer serves the StudioOS API
type StudioServer struct {
	queue          *async.Queue
	pool           *async.WorkerPool
	orchestrator   *delivery.Orchestrator
	blobs          blob.Store
	publisher      *pulse.Publisher
	roles          *auth.Middleware
	allowedOrigins []string
	logger         *zap.SugaredLogger
	mux            *http.ServeMux

	// HTTP server with timeouts
	httpServer *http.Server

	clients map[*Client]bool
	mu      sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates the server and registers its routes
func New(d Deps) (*StudioServer, error) {
	if d.Queue == nil || d.Orchestrator == nil || d.Publisher == nil || d.Blobs == nil {
		return nil, errors.AssertionFailedf("server needs a queue, an orchestrator, a publisher and a blob store")
	}
	log := d.Logger
	if log == nil {
		log = logger.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &StudioServer{
		queue:          d.Queue,
		pool:           d.Pool,
		orchestrator:   d.Orchestrator,
		blobs:          d.Blobs,
		publisher:      d.Publisher,
		roles:          auth.NewMiddleware(log),
		allowedOrigins: d.AllowedOrigins,
		logger:         log.Named("server"),
		mux:            http.NewServeMux(),
		clients:        make(map[*Client]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.setupHTTPRoutes()
	return s, nil
}

// Handler returns the root handler with CORS and role extraction applied
func (s *StudioServer) Handler() http.Handler {
	return s.corsMiddleware(s.roles.WithRole(s.mux.ServeHTTP))
}

// ClientCount reports connected WebSocket clients
func (s *StudioServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// registerClient admits a client unless MaxClients are connected
func (s *StudioServer) registerClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *StudioServer) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
