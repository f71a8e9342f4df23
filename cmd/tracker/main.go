package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/api"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/delay"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/planner"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/reports"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/stations"
	"bus-tracker/internal/transit"
)

// store is everything the tracker needs from the schedule store.
type store interface {
	ListTrips(ctx context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error)
	GetTrip(ctx context.Context, id int64) (transit.TripInstance, error)
	UpdateTrip(ctx context.Context, id int64, stops []transit.Stop, lat, lon float64) error
	InsertTrips(ctx context.Context, trips []transit.TripInstance) error
	ListStations(ctx context.Context, offset, limit int) ([]transit.Station, error)
	InsertStations(ctx context.Context, stations []transit.Station) error
	PendingReports(ctx context.Context) ([]transit.Report, error)
	ResolveReport(ctx context.Context, r transit.Report, verified bool, at time.Time, credit int) error
}

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tracker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SimTickInterval, cfg.SimWorkers)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	st, sqlDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var healthCheck func(context.Context) error
	if sqlDB != nil {
		defer sqlDB.Close()
		if mcol != nil {
			mcol.WatchDB(sqlDB, cfg.StoreDriver)
		}
		healthCheck = func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
	}

	index := stations.NewIndex(st, stations.Options{PageSize: cfg.PageSize, Logger: logger, Metrics: mcol})
	if _, err := index.Refresh(ctx); err != nil {
		return err
	}

	model := delay.NewSeededModel(uint64(time.Now().UnixNano()))
	clk := clock.RealClock{Location: cfg.Location}

	if cfg.SeedFile != "" {
		if err := seedMemory(ctx, st, cfg, clk, model, logger); err != nil {
			return err
		}
		if _, err := index.Refresh(ctx); err != nil {
			return err
		}
	}

	// Optional NATS position feed
	var pub sim.Publisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, publisherMetrics(mcol), logger)
		if err != nil {
			return err
		}
		defer np.Close()
		pub = np
	}

	simulator := sim.New(st, model, index.Station, sim.Options{
		Interval:  cfg.SimTickInterval,
		Workers:   cfg.SimWorkers,
		PageSize:  cfg.PageSize,
		Clock:     clk,
		Logger:    logger.With(slog.String("component", "simulator")),
		Metrics:   mcol,
		Publisher: pub,
	})
	simulator.Start(ctx)
	defer simulator.Stop()

	verifier := reports.NewVerifier(st, clk, cfg.ReportVerifyInterval, logger.With(slog.String("component", "reports")), mcol)
	verifier.Start(ctx)
	defer verifier.Stop()

	p := planner.New(st, index, planner.Config{
		Lines:           cfg.Lines,
		WalkingSpeedKmh: cfg.WalkingSpeedKmh,
		Horizon:         cfg.SearchHorizon,
		HistoryWindow:   cfg.HistoryWindow,
		HistoryScanCap:  cfg.HistoryScanCap,
		PageSize:        cfg.PageSize,
		Location:        cfg.Location,
	}, logger.With(slog.String("component", "planner")), mcol)

	server := api.NewServer(p, index, api.Options{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		Logger:       logger,
		HealthCheck:  healthCheck,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.HTTPAddr) })
	if cfg.StationRefreshInterval > 0 {
		g.Go(func() error {
			index.Run(gctx, cfg.StationRefreshInterval)
			return nil
		})
	}
	return g.Wait()
}

// openStore connects the configured schedule store. The returned *sql.DB is
// nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, *sql.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory schedule store; data is lost on exit")
		return db.NewMemoryStore(), nil, nil

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s := db.NewSQLiteStore(conn, cfg.Location, logger)
		if err := s.EnsureSchema(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		logger.Info("using sqlite schedule store", slog.String("path", cfg.SQLitePath))
		return s, conn, nil
	}

	dsn, err := scheduleDSN(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	s := db.NewPostgresStore(conn, cfg.Location, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return s, conn, nil
}

// scheduleDSN picks the schedule database: SCHEDULE_DB when set, else the
// latest import for CITY recorded on the cluster's meta database, else the
// configured DSN as is.
func scheduleDSN(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.ScheduleDB != "" {
		return db.WithDBName(cfg.DatabaseURL, cfg.ScheduleDB)
	}
	if cfg.City == "" {
		return cfg.DatabaseURL, nil
	}
	rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return "", err
	}
	meta, err := db.Open(rootDSN)
	if err != nil {
		return "", err
	}
	defer meta.Close()
	if err := db.Ping(ctx, meta); err != nil {
		return "", err
	}
	name, err := db.ResolveLatestScheduleDB(ctx, meta, cfg.City)
	if err != nil {
		return "", err
	}
	logger.Info("using schedule database", slog.String("db", name), slog.String("city", cfg.City))
	return db.WithDBName(cfg.DatabaseURL, name)
}

// seedMemory fills an empty store with a day of trips around now.
func seedMemory(ctx context.Context, st store, cfg *config.Config, clk clock.Clock, model *delay.Model, logger *slog.Logger) error {
	n, err := schedule.LoadNetwork(cfg.SeedFile)
	if err != nil {
		return err
	}
	now := clk.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, cfg.Location)
	_, err = schedule.Seed(ctx, st, n, schedule.Window{
		From:          day,
		To:            day.Add(24*time.Hour - time.Minute),
		ResolveBefore: now,
	}, model, logger)
	return err
}

// publisherMetrics returns a nil interface when metrics are off.
func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
