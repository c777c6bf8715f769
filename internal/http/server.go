// Package http serves the ledger commands as a JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
	"ledgerbot/internal/middleware/security"
	"ledgerbot/internal/middleware/throttle"
	"ledgerbot/internal/query"
	"ledgerbot/internal/services"
)

// LedgerService is the subset of services.LedgerService the API calls.
type LedgerService interface {
	Record(ctx context.Context, req services.RecordRequest) (services.Receipt, error)
	Recategorize(ctx context.Context, id int64, category string) (services.Receipt, error)
	Balance(ctx context.Context, q services.Query) (services.Result[decimal.Decimal], error)
	Total(ctx context.Context, q services.Query) (services.Result[decimal.Decimal], error)
	Summary(ctx context.Context, q services.Query) (services.Result[[]core.CategoryAmount], error)
	Overview(ctx context.Context, q services.Query) (services.Result[query.OverviewReport], error)
	History(ctx context.Context, q services.Query) (services.Result[[]core.Transaction], error)
	Chart(ctx context.Context, q services.Query) (services.Result[query.ChartSeries], error)
	Categories(ctx context.Context, userID, partial string) ([]string, error)
	Status() services.Status
}

type Config struct {
	Addr               string
	CORSAllowedOrigins []string
	WritesPerMinute    int
	RequestTimeout     time.Duration
}

type Server struct {
	server   *http.Server
	router   *chi.Mux
	svc      LedgerService
	throttle *throttle.Limiter
	logger   *log.Logger
}

// NewServer configures routes, returning a ready-to-run server.
func NewServer(cfg Config, svc LedgerService, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		router:   chi.NewRouter(),
		svc:      svc,
		throttle: throttle.NewLimiter(throttle.Config{RequestsPerMinute: cfg.WritesPerMinute}),
		logger:   logger.WithComponent(log.ComponentHTTP),
	}
	s.setupMiddleware(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(cfg Config) {
	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(log.Middleware(s.logger))
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	s.router.Use(security.Headers(security.DefaultHeadersConfig()))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/status", s.handleStatus)

	s.router.Group(func(r chi.Router) {
		r.Use(s.throttle.Middleware(nil, func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests: try again in a minute")
		}))
		r.Post("/transactions", s.handleRecord)
		r.Put("/transactions/{id}/category", s.handleRecategorize)
	})

	s.router.Get("/balance", s.handleBalance)
	s.router.Get("/total", s.handleTotal)
	s.router.Get("/summary", s.handleSummary)
	s.router.Get("/overview", s.handleOverview)
	s.router.Get("/history", s.handleHistory)
	s.router.Get("/chart/{type}", s.handleChart)
	s.router.Get("/categories", s.handleCategories)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Throttle returns the per-client write limiter so its idle entries can be
// swept with the other caches.
func (s *Server) Throttle() *throttle.Limiter { return s.throttle }

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
