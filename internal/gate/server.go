// Package gate serves the rest gate to host UIs over HTTP.
package gate

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/rs/zerolog"
)

//go:embed static
var staticFS embed.FS

// Gates is the set of per-profile limiters the server exposes.
type Gates interface {
	Load(ctx context.Context, profile string) (limiter.Status, error)
	EnterRestMode(ctx context.Context, profile string) (limiter.Status, error)
	Status(profile string) (limiter.Status, error)
}

// Config holds the gate server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server is the gate HTTP server.
type Server struct {
	config    Config
	gates     Gates
	server    *http.Server
	router    *mux.Router
	templates *template.Template
	listener  net.Listener // Optional pre-created listener (for systemd socket activation)
	logger    zerolog.Logger
}

// NewServer creates a new gate server.
func NewServer(cfg Config, gates Gates, logger zerolog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(staticFS, "static/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse gate templates: %w", err)
	}

	s := &Server{
		config:    cfg,
		gates:     gates,
		router:    mux.NewRouter(),
		templates: tmpl,
		logger:    logger.With().Str("component", "gate").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Preflight requests only reach the CORS middleware on routes that accept OPTIONS
	methods := func(method string) []string { return []string{method} }
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
		methods = func(method string) []string { return []string{method, "OPTIONS"} }
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/profiles/{profile}").Subrouter()
	api.HandleFunc("/load", s.handleLoad).Methods(methods("POST")...)
	api.HandleFunc("/rest", s.handleRest).Methods(methods("POST")...)
	api.HandleFunc("/gate", s.handleStatus).Methods(methods("GET")...)

	s.router.HandleFunc("/gate/{profile}", s.handleGatePage).Methods("GET")
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the gate HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting gate server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated gate listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gate server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gate HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping gate server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gate server shutdown: %w", err)
	}

	return nil
}
