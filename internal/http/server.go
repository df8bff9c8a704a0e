// Package http provides the HTTP server for stitch: the composition
// endpoint and the ops API.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmylchreest/stitch/internal/http/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "0.0.0.0").
	Host string
	// Port is the port to listen on (default: 8080).
	Port int
	// ReadHeaderTimeout bounds reading the downstream request head.
	ReadHeaderTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out response
	// writes. Zero means no limit; composition responses stream for as
	// long as the slowest fragment takes.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// CORSOrigins restricts cross-origin access. The CORS middleware runs
	// on every route, the composition endpoint included.
	CORSOrigins []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		CORSOrigins:       []string{"*"},
	}
}

// Server represents the HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI spec of the ops API.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowedOrigins:   config.CORSOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Compression is scoped to the ops API: composed pages stream and must
	// not sit in a compressor's buffer.
	router.Use(middleware.CompressFor(
		[]string{"/health", "/docs", "/openapi", "/schemas"},
		chimiddleware.Compress(5),
	))

	humaConfig := huma.DefaultConfig("stitch API", version)
	humaConfig.Info.Description = "Streaming HTML layout composition service"

	api := humachi.New(router, humaConfig)

	return &Server{
		config: config,
		router: router,
		api:    api,
		logger: logger,
	}
}

// API returns the Huma API instance for registering ops operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountComposition registers the composition handler as the catch-all
// route. Ops API routes keep precedence through chi's exact matching.
func (s *Server) MountComposition(h http.Handler) {
	s.router.Handle("/*", h)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP server",
		slog.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
