// Package reports decides rider delay reports against the simulated
// schedule and credits the riders whose reports hold up.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

const (
	DefaultInterval = 5 * time.Second
	// Credit is the number of points a verified report is worth.
	Credit = 1
)

type Store interface {
	PendingReports(ctx context.Context) ([]transit.Report, error)
	GetTrip(ctx context.Context, id int64) (transit.TripInstance, error)
	ResolveReport(ctx context.Context, r transit.Report, verified bool, at time.Time, credit int) error
}

// Summary counts what one verification pass did.
type Summary struct {
	Verified int
	Rejected int
	Skipped  int
	Errors   int
}

type Verifier struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVerifier(store Store, clk clock.Clock, interval time.Duration, logger *slog.Logger, m *metrics.Collector) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: store, clock: clk, interval: interval, logger: logger, metrics: m}
}

// Check reports whether a claimed delay at stop has been borne out by now:
// the delayed arrival time has passed and the vehicle has still not arrived.
func Check(stop transit.Stop, delayMinutes int, now time.Time) bool {
	expected := stop.ScheduledArrival.Add(time.Duration(delayMinutes) * time.Minute)
	return !expected.After(now) && stop.ActualArrival == nil
}

// VerifyPending decides every pending report that names a trip, a station
// on that trip and a delay. Reports missing any of those stay pending.
func (v *Verifier) VerifyPending(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := v.store.PendingReports(ctx)
	if err != nil {
		return sum, fmt.Errorf("load pending reports: %w", err)
	}
	for _, r := range pending {
		result := v.verify(ctx, r)
		switch result {
		case "verified":
			sum.Verified++
		case "rejected":
			sum.Rejected++
		case "skipped":
			sum.Skipped++
		default:
			sum.Errors++
		}
		if v.metrics != nil {
			v.metrics.Reports.WithLabelValues(result).Inc()
		}
	}
	if len(pending) > 0 {
		v.logger.Info("reports verified",
			slog.Int("pending", len(pending)),
			slog.Int("verified", sum.Verified),
			slog.Int("rejected", sum.Rejected),
			slog.Int("skipped", sum.Skipped),
			slog.Int("errors", sum.Errors))
	}
	return sum, nil
}

func (v *Verifier) verify(ctx context.Context, r transit.Report) string {
	log := v.logger.With(slog.Int64("report_id", r.ID), slog.Int64("trip_id", r.TripID), slog.Int64("station_id", r.StationID))
	if r.TripID == 0 || r.StationID == 0 || !r.HasDelay {
		log.Debug("report incomplete, leaving pending")
		return "skipped"
	}
	trip, err := v.store.GetTrip(ctx, r.TripID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("report names an unknown trip")
			return "skipped"
		}
		log.Error("load trip for report", slog.Any("error", err))
		return "error"
	}
	idx := -1
	for i, s := range trip.Stops {
		if s.StationID == r.StationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Warn("report station is not on its trip")
		return "skipped"
	}

	now := v.clock.Now()
	verified := Check(trip.Stops[idx], r.DelayMinutes, now)
	if err := v.store.ResolveReport(ctx, r, verified, now, Credit); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "skipped"
		}
		log.Error("resolve report", slog.Any("error", err))
		return "error"
	}
	if verified {
		log.Info("report verified", slog.Int64("user_id", r.UserID), slog.Int("credit", Credit))
		return "verified"
	}
	log.Info("report rejected", slog.Bool("vehicle_arrived", trip.Stops[idx].ActualArrival != nil))
	return "rejected"
}

// Start runs VerifyPending every interval until Stop.
func (v *Verifier) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	v.cancel = cancel
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := v.VerifyPending(ctx); err != nil && ctx.Err() == nil {
					v.logger.Error("report verification failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (v *Verifier) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()
}
