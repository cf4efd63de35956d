// Package api provides the admin HTTP API server, router, auth, and SSE event streaming.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/config"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/history"
	"github.com/floodgate-sdn/floodgate/internal/mitigation"
	"github.com/floodgate-sdn/floodgate/internal/monitor"
	"github.com/floodgate-sdn/floodgate/internal/topology"
)

// Server is the HTTP API server for floodgate.
type Server struct {
	cfg        *config.Config
	table      *anomaly.Table
	dispatcher *mitigation.Dispatcher
	engine     *monitor.Engine
	bus        *events.Bus
	topoMap    *topology.Map
	history    *history.Log
	logger     *slog.Logger
	httpServer *http.Server
	auth       *AuthMiddleware
	sseHub     *SSEHub
	now        func() time.Time
	startTime  time.Time
	version    string
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.Config,
	table *anomaly.Table,
	disp *mitigation.Dispatcher,
	bus *events.Bus,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		cfg:        cfg,
		table:      table,
		dispatcher: disp,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		startTime:  time.Now(),
		version:    "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.auth = NewAuthMiddleware(cfg.API, logger)
	s.sseHub = NewSSEHub(bus, logger)

	return s
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithEngine sets the poll engine used for switch and activity views.
func WithEngine(e *monitor.Engine) ServerOption {
	return func(s *Server) { s.engine = e }
}

// WithTopologyMap sets the host binding map.
func WithTopologyMap(tm *topology.Map) ServerOption {
	return func(s *Server) { s.topoMap = tm }
}

// WithHistory sets the mitigation history log.
func WithHistory(h *history.Log) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithClock replaces the clock used to timestamp manual unblocks.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// UpdateUsers replaces the API users after a config reload.
func (s *Server) UpdateUsers(users []config.UserConfig) {
	s.auth.UpdateUsers(users)
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address and prepares routes.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout; SSE streams stay open
	}

	ln, err := net.Listen("tcp", s.cfg.API.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.API.Listen, err)
	}

	go s.sseHub.Run()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Start is a convenience that calls Listen + Serve. Blocks until shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.sseHub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health check (no auth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/auth/me", s.auth.handleMe)

	// Interfaces and mitigation state
	mux.HandleFunc("GET /api/v1/interfaces", s.auth.RequireAuth(s.handleListInterfaces))
	mux.HandleFunc("GET /api/v1/switches", s.auth.RequireAuth(s.handleListSwitches))
	mux.HandleFunc("GET /api/v1/blocks", s.auth.RequireAuth(s.handleListBlocks))
	mux.HandleFunc("DELETE /api/v1/blocks/{switch}/{port}", s.auth.RequireAdmin(s.handleUnblock))

	// Topology
	mux.HandleFunc("GET /api/v1/topology", s.auth.RequireAuth(s.handleTopologyTree))
	mux.HandleFunc("GET /api/v1/topology/stats", s.auth.RequireAuth(s.handleTopologyStats))
	mux.HandleFunc("PUT /api/v1/topology/hosts", s.auth.RequireAdmin(s.handleTopologyPutHosts))
	mux.HandleFunc("DELETE /api/v1/topology/hosts/{mac}", s.auth.RequireAdmin(s.handleTopologyUnbind))
	mux.HandleFunc("POST /api/v1/topology/label", s.auth.RequireAdmin(s.handleTopologySetLabel))

	// Mitigation history
	mux.HandleFunc("GET /api/v1/history", s.auth.RequireAuth(s.handleHistoryQuery))
	mux.HandleFunc("GET /api/v1/history/export", s.auth.RequireAuth(s.handleHistoryExportCSV))
	mux.HandleFunc("GET /api/v1/history/stats", s.auth.RequireAuth(s.handleHistoryStats))

	// Events & Hooks
	mux.HandleFunc("GET /api/v1/events/stream", s.auth.RequireAuth(s.handleSSE))
	mux.HandleFunc("GET /api/v1/hooks", s.auth.RequireAuth(s.handleListHooks))
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
