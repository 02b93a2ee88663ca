package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/custodia-labs/kbsearch/internal/core/ports/driving"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         ":8088",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
}

// Ports aggregates the driving ports served over HTTP.
type Ports struct {
	Retrieval driving.RetrievalService
	Index     driving.IndexService

	// Config is optional; without it /v1/config answers 404.
	Config driving.ConfigService
}

// Server is the HTTP API server.
type Server struct {
	config  *ServerConfig
	ports   Ports
	httpSrv *http.Server
}

// NewServer creates a server. A nil config uses DefaultServerConfig.
func NewServer(config *ServerConfig, ports Ports) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{config: config, ports: ports}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
	}()

	logger.Info("HTTP API listening on %s", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &handler{ports: s.ports}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Route("/{tenant}/{project}", func(r chi.Router) {
			r.Use(namespaceCtx)
			r.Post("/index", h.buildIndex)
			r.Get("/status", h.status)
			r.Post("/search", h.search)
			r.Post("/retrieve", h.retrieve)
			r.Post("/chunks", h.ingest)
			r.Delete("/sources/{sourceID}", h.removeSource)
		})
	})
	return r
}

// requestLogger logs each request through the application logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s -> %d (%s) [%s]", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}
