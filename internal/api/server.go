// Package api exposes journey planning and station lookup over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"bus-tracker/internal/planner"
	"bus-tracker/internal/stations"
	"bus-tracker/internal/transit"
)

// Planner is the search surface the handlers call.
type Planner interface {
	PlanJourney(ctx context.Context, req planner.JourneyRequest) (*planner.Journey, error)
	ClosestStation(ctx context.Context, lat, lon float64) (stations.Match, error)
}

// StationIndex is the part of the station index the admin and health
// endpoints touch.
type StationIndex interface {
	Refresh(ctx context.Context) (int, error)
	Stations() []transit.Station
	LoadedAt() time.Time
}

type Options struct {
	CORSOrigins  []string
	RateLimitRPS float64
	Logger       *slog.Logger
	// HealthCheck reports store connectivity; nil means always healthy.
	HealthCheck func(ctx context.Context) error
	// SearchTimeout bounds a single plan-journey request.
	SearchTimeout time.Duration
}

type Server struct {
	planner Planner
	index   StationIndex
	opts    Options
	logger  *slog.Logger
	limiter *RateLimiter
	router  chi.Router
}

func NewServer(p Planner, index StationIndex, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 30 * time.Second
	}
	s := &Server{
		planner: p,
		index:   index,
		opts:    opts,
		logger:  opts.Logger,
		limiter: NewRateLimiter(opts.RateLimitRPS),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Handler)
		r.Post("/plan-journey", s.planJourney)
		r.Get("/closest-station", s.closestStation)
		r.Post("/admin/stations/refresh", s.refreshStations)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to five seconds. The rate limiter is stopped on every
// return path.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	defer s.limiter.Stop()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
