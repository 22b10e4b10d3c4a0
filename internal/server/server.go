// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the REST API: tiered search, source health and
// administration, download job management, Prometheus metrics, and a
// WebSocket feed of job events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/internal/health"
	"github.com/kuroibara/kuroibara/internal/registry"
	"github.com/kuroibara/kuroibara/internal/search"
	"github.com/kuroibara/kuroibara/internal/storage"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	AllowedOrigins []string
	Version        string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr: "0.0.0.0",
		Port: 8080,
	}
}

// Searcher is the slice of the search engine the API needs.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.ResultPage, error)
}

// Catalog is the slice of the source registry the API needs.
type Catalog interface {
	List() []provider.Source
	Entry(id string) (*registry.Entry, bool)
}

// HealthAPI is the slice of the health monitor the API needs.
type HealthAPI interface {
	All() []*health.SourceStatus
	Status(sourceID string) (*health.SourceStatus, bool)
	ProbeNow(ctx context.Context, sourceID string) (*health.SourceStatus, error)
	SetEnabled(sourceID string, enabled bool) bool
	Configure(sourceID string, checkInterval time.Duration, failureThreshold int) bool
}

// JobAPI is the slice of the download scheduler the API needs.
type JobAPI interface {
	Submit(ctx context.Context, kind manga.JobKind, target manga.DownloadTarget, clientID string) (*manga.DownloadJob, error)
	Get(id string) (*manga.DownloadJob, error)
	List(filter storage.JobFilter, page, limit int) ([]*manga.DownloadJob, int, error)
	Cancel(ctx context.Context, id string) error
}

// Settings is the runtime-tunable knob surface behind /api/settings.
type Settings interface {
	Fanout() int
	SetFanout(n int)
	RateDefaults() provider.RateSpec
	SetRateDefaults(spec provider.RateSpec)
}

// Server is the HTTP front of the aggregation pipeline.
type Server struct {
	config Config
	log    *zap.Logger

	searcher Searcher
	catalog  Catalog
	health   HealthAPI
	jobs     JobAPI
	settings Settings
	hub      *WSHub

	httpServer *http.Server
}

// Option tweaks server construction.
type Option func(*Server)

// WithSettings exposes runtime-tunable knobs at /api/settings.
func WithSettings(st Settings) Option {
	return func(s *Server) { s.settings = st }
}

// New wires a server over the given subsystems.
func New(log *zap.Logger, cfg Config, searcher Searcher, catalog Catalog, healthAPI HealthAPI, jobs JobAPI, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config:   cfg,
		log:      log.Named("server"),
		searcher: searcher,
		catalog:  catalog,
		health:   healthAPI,
		jobs:     jobs,
		hub:      NewWSHub(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub exposes the WebSocket hub so the scheduler's job listener can feed it.
func (s *Server) Hub() *WSHub { return s.hub }

// ListenAndServe starts the HTTP server and blocks until ctx is done or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleLiveness)

	mux.HandleFunc("POST /api/v1/search", s.handleSearch)

	mux.HandleFunc("GET /api/v1/sources", s.handleListSources)
	mux.HandleFunc("GET /api/v1/sources/health", s.handleSourcesHealth)
	mux.HandleFunc("POST /api/v1/sources/{id}/probe", s.handleProbeSource)
	mux.HandleFunc("PATCH /api/v1/sources/{id}", s.handlePatchSource)

	mux.HandleFunc("POST /api/v1/downloads", s.handleSubmitDownload)
	mux.HandleFunc("GET /api/v1/downloads", s.handleListDownloads)
	mux.HandleFunc("GET /api/v1/downloads/{id}", s.handleGetDownload)
	mux.HandleFunc("DELETE /api/v1/downloads/{id}", s.handleCancelDownload)

	if s.settings != nil {
		mux.HandleFunc("GET /api/settings", s.handleGetSettings)
		mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	}

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
