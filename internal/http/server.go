package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/motofix/internal/auth"
	"github.com/Clark-Hu/motofix/internal/config"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/metrics"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/service"
)

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReviewCreator is the review write path.
type ReviewCreator interface {
	CreateReview(ctx context.Context, input service.CreateReviewInput) (domain.Review, error)
}

// ProviderReader is the provider read path.
type ProviderReader interface {
	GetProfile(ctx context.Context, providerID, viewerID string) (domain.ProviderProfile, error)
	List(ctx context.Context, filters repository.ProviderListFilters) (repository.ProviderListResult, error)
}

// Dependencies bundles the collaborators the handlers call into.
type Dependencies struct {
	Health    HealthChecker
	Reviews   ReviewCreator
	Providers ProviderReader
	Verifier  *auth.Verifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg       config.Config
	health    HealthChecker
	reviews   ReviewCreator
	providers ProviderReader
	verifier  *auth.Verifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	router    chi.Router
	httpSrv   *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Dependencies) *Server {
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	s := &Server{
		cfg:       cfg,
		health:    deps.Health,
		reviews:   deps.Reviews,
		providers: deps.Providers,
		verifier:  deps.Verifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		router:    r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.router.Route("/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Route("/{id}", func(r chi.Router) {
			r.With(s.verifier.OptionalUser(s.writeError)).Get("/", s.handleGetProvider)
			r.With(s.verifier.RequireUser(s.writeError)).Post("/reviews", s.handleCreateReview)
		})
	})
}

// Start boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the configured router, primarily for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.HealthCheck(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
