// Package api serves the dashboard's JSON API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"limitboard/internal/company"
	"limitboard/internal/domain"
	"limitboard/internal/pool"
)

// PoolService is the subset of pool.Service the handlers use.
type PoolService interface {
	RefreshPool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) ([]domain.PoolEntry, error)
	Profile(ctx context.Context, code string, force bool) (*domain.CompanyProfile, error)
	Sentiment(ctx context.Context, date string) (pool.Sentiment, error)
}

// Records is the read side of the company record store.
type Records interface {
	Get(code string) (company.StockRecord, bool)
	All() map[string]company.StockRecord
	ExportSnapshot() ([]byte, error)
}

// Credentials accepts an upstream license supplied at runtime.
type Credentials interface {
	Set(ctx context.Context, license string) error
}

// Options configures a Server.
type Options struct {
	Pools   PoolService
	Records Records
	License Credentials
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Now defaults to time.Now; it picks the trading date when a request
	// omits one.
	Now    func() time.Time
	Logger *slog.Logger
}

// Server routes dashboard requests to the pool service and record store.
type Server struct {
	router  *chi.Mux
	pools   PoolService
	records Records
	license Credentials
	now     func() time.Time
	log     *slog.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		pools:   opts.Pools,
		records: opts.Records,
		license: opts.License,
		now:     opts.Now,
		log:     opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.setupMiddleware()
	s.setupRoutes(opts.Metrics)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.Get("/health", s.handleHealth)
	if metrics != nil {
		s.router.Handle("/metrics", metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/pool/{kind}", s.handlePool)
		r.Get("/sentiment", s.handleSentiment)
		r.Put("/license", s.handlePutLicense)

		r.Route("/company", func(r chi.Router) {
			r.Get("/", s.handleCompanies)
			r.Get("/export", s.handleExport)
			r.Get("/{code}", s.handleCompany)
			r.Post("/{code}/profile", s.handleProfile)
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		s.log.Error("encoding JSON error response", "status", status, "error", err)
	}
}
