package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/delay"
	"bus-tracker/internal/schedule"
)

func main() {
	var (
		file   = flag.String("network", "", "network JSON file (lines with named stops and minute offsets)")
		from   = flag.String("from", "", "first departure day, YYYY-MM-DD (default today)")
		days   = flag.Int("days", 7, "number of days to generate")
		cutoff = flag.String("resolve-before", "", "stops up to this time get actual times, YYYY-MM-DDTHH:MM (default now)")
		seed   = flag.Uint64("seed", 0, "delay model seed (default time based)")
		rewind = flag.Bool("rewind", false, "only clear actual times after -resolve-before on existing trips")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal("config error", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.StoreDriver == config.DriverMemory {
		fatal("seeding needs a persistent store", fmt.Errorf("STORE_DRIVER=%s", cfg.StoreDriver))
	}
	conn, s, err := open(ctx, cfg, logger)
	if err != nil {
		fatal("open store", err)
	}
	defer conn.Close()

	now := time.Now().In(cfg.Location)
	resolveBefore := now
	if *cutoff != "" {
		if resolveBefore, err = time.ParseInLocation("2006-01-02T15:04", *cutoff, cfg.Location); err != nil {
			fatal("invalid -resolve-before", err)
		}
	}

	if *rewind {
		n, err := rewindTrips(ctx, s, resolveBefore, cfg.PageSize)
		if err != nil {
			fatal("rewind", err)
		}
		logger.Info("trips rewound", slog.Int("updated", n), slog.Time("cutoff", resolveBefore))
		return
	}

	if *file == "" {
		fatal("missing -network", fmt.Errorf("a network file is required"))
	}
	network, err := schedule.LoadNetwork(*file)
	if err != nil {
		fatal("load network", err)
	}

	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, cfg.Location)
	if *from != "" {
		if start, err = time.ParseInLocation("2006-01-02", *from, cfg.Location); err != nil {
			fatal("invalid -from", err)
		}
	}
	if *days <= 0 {
		fatal("invalid -days", fmt.Errorf("%d", *days))
	}
	if *seed == 0 {
		*seed = uint64(now.UnixNano())
	}

	stats, err := schedule.Seed(ctx, s, network, schedule.Window{
		From:          start,
		To:            start.AddDate(0, 0, *days).Add(-time.Minute),
		ResolveBefore: resolveBefore,
	}, delay.NewSeededModel(*seed), logger)
	if err != nil {
		fatal("seed", err)
	}
	logger.Info("seed complete", slog.Int("stations", stats.Stations), slog.Int("trips", stats.Trips))
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *db.SQLStore, error) {
	var (
		conn *sql.DB
		s    *db.SQLStore
		err  error
	)
	if cfg.StoreDriver == config.DriverSQLite {
		if conn, err = db.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return nil, nil, err
		}
		s = db.NewSQLiteStore(conn, cfg.Location, logger)
	} else {
		dsn := cfg.DatabaseURL
		if cfg.ScheduleDB != "" {
			if dsn, err = db.WithDBName(dsn, cfg.ScheduleDB); err != nil {
				return nil, nil, err
			}
		}
		if conn, err = db.Open(dsn); err != nil {
			return nil, nil, err
		}
		if err := db.Ping(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, err
		}
		s = db.NewPostgresStore(conn, cfg.Location, logger)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, s, nil
}

// rewindTrips clears actual times scheduled after cutoff so a seeded
// database can be replayed from an earlier moment.
func rewindTrips(ctx context.Context, s *db.SQLStore, cutoff time.Time, pageSize int) (int, error) {
	updated := 0
	for offset := 0; ; offset += pageSize {
		page, n, err := s.ListTrips(ctx, "", offset, pageSize)
		if err != nil {
			return updated, err
		}
		for i := range page {
			trip := &page[i]
			if !schedule.ClearAfter(trip, cutoff) {
				continue
			}
			if err := s.UpdateTrip(ctx, trip.ID, trip.Stops, trip.CurrentLatitude, trip.CurrentLongitude); err != nil {
				return updated, err
			}
			updated++
		}
		if n < pageSize {
			return updated, nil
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
