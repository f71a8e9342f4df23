// Package sim advances scheduled trips in real time: it materializes actual
// departure times with the shared delay model and keeps each vehicle's
// position in step with the clock.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/delay"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/transit"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultWorkers  = 8
	defaultPageSize = 1000
)

// Store is the slice of the schedule store the simulator reads and writes.
// UpdateTrip must replace stops and position in a single atomic write.
type Store interface {
	ListTrips(ctx context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error)
	UpdateTrip(ctx context.Context, id int64, stops []transit.Stop, lat, lon float64) error
}

type Publisher interface {
	PublishPosition(msg publisher.PositionMessage) error
}

type Options struct {
	Interval  time.Duration
	Workers   int
	PageSize  int
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *mmetrics.Collector
	Publisher Publisher
}

// TickStats summarizes one tick.
type TickStats struct {
	Skipped   bool
	Trips     int
	Updated   int
	Resolved  int
	Completed int
	Errors    int
	Duration  time.Duration
}

type Simulator struct {
	store   Store
	model   *delay.Model
	locate  Locator
	opts    Options
	logger  *slog.Logger
	metrics *mmetrics.Collector

	inFlight atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, model *delay.Model, locate Locator, opts Options) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Simulator{
		store:   store,
		model:   model,
		locate:  locate,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Tick advances every trip once. A tick that starts while another is still
// running returns immediately with Skipped set. Failures on a single trip
// are logged and counted; only a failed page read ends the tick early.
func (s *Simulator) Tick(ctx context.Context) (TickStats, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.TicksSkipped.Inc()
		}
		s.logger.Warn("previous simulator tick still running, skipping")
		return TickStats{Skipped: true}, nil
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	now := s.opts.Clock.Now()

	var trips, updated, resolved, completed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)

	var listErr error
	for offset := 0; ; offset += s.opts.PageSize {
		if err := ctx.Err(); err != nil {
			listErr = err
			break
		}
		page, n, err := s.store.ListTrips(ctx, "", offset, s.opts.PageSize)
		if err != nil {
			listErr = fmt.Errorf("list trips at offset %d: %w", offset, err)
			break
		}
		for _, trip := range page {
			trips.Add(1)
			g.Go(func() error {
				res, err := s.process(ctx, &trip, now)
				if err != nil {
					failed.Add(1)
					return nil
				}
				if res.Changed {
					updated.Add(1)
				}
				resolved.Add(int64(res.Resolved))
				if res.Complete && res.Changed {
					completed.Add(1)
				}
				return nil
			})
		}
		if n < s.opts.PageSize {
			break
		}
	}
	_ = g.Wait()

	stats := TickStats{
		Trips:     int(trips.Load()),
		Updated:   int(updated.Load()),
		Resolved:  int(resolved.Load()),
		Completed: int(completed.Load()),
		Errors:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
		s.metrics.TickDuration.Observe(stats.Duration.Seconds())
		s.metrics.StopsResolved.Add(float64(stats.Resolved))
		s.metrics.TripsUpdated.Add(float64(stats.Updated))
		s.metrics.TripsComplete.Add(float64(stats.Completed))
		s.metrics.UpdateErrors.Add(float64(stats.Errors))
	}
	s.logger.Info("simulator tick",
		slog.Int("trips", stats.Trips),
		slog.Int("updated", stats.Updated),
		slog.Int("stops_resolved", stats.Resolved),
		slog.Int("completed", stats.Completed),
		slog.Int("errors", stats.Errors),
		slog.Duration("duration", stats.Duration))
	return stats, listErr
}

// process advances one trip and writes it back when anything changed.
func (s *Simulator) process(ctx context.Context, trip *transit.TripInstance, now time.Time) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("trip advance panicked", slog.Int64("trip_id", trip.ID), slog.Any("panic", r))
		}
	}()

	res = Advance(trip, now, s.model, s.locate)
	if !res.Changed {
		return res, nil
	}
	if err := s.store.UpdateTrip(ctx, trip.ID, trip.Stops, trip.CurrentLatitude, trip.CurrentLongitude); err != nil {
		s.logger.Error("trip update failed", slog.Int64("trip_id", trip.ID), slog.String("line", trip.LineNumber), slog.Any("error", err))
		return res, err
	}
	if res.Resolved > 0 {
		st := trip.Stops[res.StopIndex]
		s.logger.Debug("stop departed",
			slog.Int64("trip_id", trip.ID),
			slog.String("line", trip.LineNumber),
			slog.Int64("station_id", st.StationID),
			slog.Time("scheduled", st.ScheduledDeparture),
			slog.Time("actual", *st.ActualDeparture))
	}
	s.publish(trip, res, now)
	return res, nil
}

func (s *Simulator) publish(trip *transit.TripInstance, res Result, now time.Time) {
	if s.opts.Publisher == nil {
		return
	}
	msg := publisher.PositionMessage{
		TripID:       trip.ID,
		LineNumber:   trip.LineNumber,
		Timestamp:    now,
		Lat:          trip.CurrentLatitude,
		Lon:          trip.CurrentLongitude,
		StopIndex:    res.StopIndex,
		Progress:     res.Progress,
		DelaySeconds: res.Delay,
		Complete:     res.Complete,
	}
	if err := s.opts.Publisher.PublishPosition(msg); err != nil {
		s.logger.Warn("publish position failed", slog.Int64("trip_id", trip.ID), slog.Any("error", err))
	}
}

// Start launches the tick loop: one tick right away, then one per interval.
// Each tick runs in its own goroutine so a slow tick makes the next one
// skip instead of delaying the schedule.
func (s *Simulator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.safeTick(ctx)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.safeTick(ctx)
				}()
			}
		}
	}()
}

// Stop cancels the loop and waits for the running tick to return.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Simulator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			if s.metrics != nil {
				s.metrics.TickPanics.Inc()
			}
			s.logger.Error("simulator tick panicked", slog.Any("panic", r))
		}
	}()
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("simulator tick failed", slog.Any("error", err))
	}
}
