// Package api exposes the HTTP surface of the gateway: firewall
// reconciliation, panel management, and credential generation.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/gatekeep/internal/brand"
	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/panel"
	"grimm.is/gatekeep/internal/ufw"
)

// ServerConfig holds HTTP server security configuration.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration // Body read limit
	WriteTimeout      time.Duration // Response timeout
	IdleTimeout       time.Duration // Keep-alive timeout
	MaxHeaderBytes    int           // Header size limit
	MaxBodyBytes      int64         // Request body size limit
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second, // firewall calls ride on SSH round trips
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// FirewallService is the firewall surface the handlers need. *ufw.Manager
// satisfies it; tests substitute fakes.
type FirewallService interface {
	Probe(ctx context.Context) (ufw.Status, error)
	Rules(ctx context.Context) ([]ufw.Rule, []ufw.Diagnostic, error)
	Apply(ctx context.Context, intent ufw.Intent) (ufw.Outcome, error)
}

// PanelService is the panel surface the handlers need. *panel.Client
// satisfies it.
type PanelService interface {
	Inbounds(ctx context.Context) ([]panel.Inbound, error)
	AddInbound(ctx context.Context, in panel.Inbound) (*panel.Inbound, error)
	DeleteInbound(ctx context.Context, id int) error
	AddClient(ctx context.Context, inboundID int, client panel.ClientSettings) (*panel.ClientSettings, error)
	RemoveClient(ctx context.Context, inboundID int, clientID string) error
	Status(ctx context.Context) (panel.ServerStatus, error)
	TestConnection(ctx context.Context) error
}

// Server handles API requests.
type Server struct {
	Config *config.Config

	firewall  FirewallService
	panel     PanelService
	logger    *logging.Logger
	wsManager *WSManager
	startTime time.Time

	mux  *http.ServeMux
	http *http.Server
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Config   *config.Config
	Firewall FirewallService
	Panel    PanelService
	Logger   *logging.Logger
}

// NewServer creates a new API server with the provided options.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		Config:    opts.Config,
		firewall:  opts.Firewall,
		panel:     opts.Panel,
		logger:    logger.WithComponent("api"),
		wsManager: NewWSManager(logger),
		startTime: time.Now(),
	}
	s.initRoutes()
	return s
}

// initRoutes initializes the HTTP router
func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	// Health check and metrics (public - for monitoring)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Branding (public)
	mux.HandleFunc("GET /api/v1/brand", s.handleBrand)

	// Firewall
	mux.HandleFunc("GET /api/v1/firewall/status", s.handleFirewallStatus)
	mux.HandleFunc("GET /api/v1/firewall/rules", s.handleListRules)
	mux.HandleFunc("POST /api/v1/firewall/rules", s.handleAddRule)
	mux.HandleFunc("DELETE /api/v1/firewall/rules/{number}", s.handleDeleteRule)
	mux.HandleFunc("POST /api/v1/firewall/ports", s.handleOpenPort)
	mux.HandleFunc("GET /api/v1/firewall/ports/{port}", s.handlePortStatus)
	mux.HandleFunc("DELETE /api/v1/firewall/ports/{port}", s.handleClosePort)

	// Panel
	mux.HandleFunc("GET /api/v1/panel/status", s.handlePanelStatus)
	mux.HandleFunc("POST /api/v1/panel/connection-test", s.handleConnectionTest)
	mux.HandleFunc("GET /api/v1/panel/inbounds", s.handleListInbounds)
	mux.HandleFunc("POST /api/v1/panel/inbounds", s.handleAddInbound)
	mux.HandleFunc("DELETE /api/v1/panel/inbounds/{id}", s.handleDeleteInbound)
	mux.HandleFunc("POST /api/v1/panel/inbounds/{id}/clients", s.handleAddClient)
	mux.HandleFunc("DELETE /api/v1/panel/inbounds/{id}/clients/{uuid}", s.handleRemoveClient)

	// REALITY credentials
	mux.HandleFunc("POST /api/v1/reality/keys", s.handleGenerateKeys)
	mux.HandleFunc("POST /api/v1/reality/short-id", s.handleShortID)

	// Event stream
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": brand.Version,
	})
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, brand.Get())
}

// Handler returns the HTTP handler with middleware applied.
// Chain: metrics -> auth -> audit -> body limit -> mux
func (s *Server) Handler() http.Handler {
	cfg := DefaultServerConfig()
	var h http.Handler = s.mux
	h = s.maxBodyMiddleware(cfg.MaxBodyBytes)(h)
	h = s.auditMiddleware(h)
	h = s.authMiddleware(h)
	h = s.metricsMiddleware(h)
	return h
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start(addr string) error {
	cfg := DefaultServerConfig()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	s.logger.Info("API server starting", "addr", addr)
	return s.http.ListenAndServe()
}

// ServeListener starts the API server on an existing listener.
func (s *Server) ServeListener(listener net.Listener) error {
	cfg := DefaultServerConfig()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	s.logger.Info("API server starting on handed-off listener", "addr", listener.Addr().String())
	return s.http.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsManager.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
