// Package planner answers single-line journey queries against the trip
// schedule: nearest stations, the earliest connecting trip on each line,
// and historical delays for the chosen connection.
package planner

import (
	"context"
	"log/slog"
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/stations"
	"bus-tracker/internal/transit"
)

const (
	defaultPageSize       = 1000
	defaultHorizon        = 12 * time.Hour
	defaultHistoryWindow  = 30 * time.Minute
	defaultHistoryScanCap = 5000
)

var DefaultLines = []string{"2", "19", "20", "52", "10"}

type Config struct {
	Lines           []string // evaluated in order; ties keep the earlier line
	WalkingSpeedKmh float64
	Horizon         time.Duration
	HistoryWindow   time.Duration
	HistoryScanCap  int
	PageSize        int
	Location        *time.Location // zone of zone-less request times
}

func (c Config) withDefaults() Config {
	if len(c.Lines) == 0 {
		c.Lines = DefaultLines
	}
	if c.WalkingSpeedKmh <= 0 {
		c.WalkingSpeedKmh = geo.DefaultWalkingSpeedKmh
	}
	if c.Horizon <= 0 {
		c.Horizon = defaultHorizon
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.HistoryScanCap <= 0 {
		c.HistoryScanCap = defaultHistoryScanCap
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Planner is read-only over the store and safe for concurrent use.
type Planner struct {
	trips   TripSource
	index   *stations.Index
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
}

func New(trips TripSource, index *stations.Index, cfg Config, logger *slog.Logger, m *metrics.Collector) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{trips: trips, index: index, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

func (p *Planner) Config() Config { return p.cfg }

// TripMatch is the best connecting trip found on one line.
type TripMatch struct {
	Trip           transit.TripInstance
	DepartureIndex int
	ArrivalIndex   int
	WaitingMinutes float64
	Scanned        int
}

func (m *TripMatch) BusDeparture() time.Time {
	return m.Trip.Stops[m.DepartureIndex].ScheduledDeparture
}

func (m *TripMatch) BusArrival() time.Time {
	return m.Trip.Stops[m.ArrivalIndex].ScheduledArrival
}

func (m *TripMatch) TransitMinutes() float64 {
	return m.BusArrival().Sub(m.BusDeparture()).Minutes()
}

// FindBestTrip returns the trip on line that leaves depID for arrID with the
// shortest wait after userArrival, within the search horizon. It returns
// nil, nil when no trip qualifies.
//
// Trips are visited in first-departure order, so the scan ends at the first
// trip starting past the horizon, or at the first match that does not beat
// the best wait seen so far.
func (p *Planner) FindBestTrip(ctx context.Context, depID, arrID int64, userArrival time.Time, line string) (*TripMatch, error) {
	maxTime := userArrival.Add(p.cfg.Horizon)
	var best *TripMatch

	scan := Scan{Source: p.trips, Line: line, PageSize: p.cfg.PageSize}
	visited, err := scan.Each(ctx, func(t transit.TripInstance) bool {
		switch classify(t, userArrival, maxTime) {
		case stop:
			return false
		case skip:
			return true
		}
		di, ai, ok := t.StationPair(depID, arrID)
		if !ok {
			return true
		}
		busDep := t.Stops[di].ScheduledDeparture
		if busDep.Before(userArrival) || busDep.After(maxTime) {
			return true
		}
		wait := busDep.Sub(userArrival).Minutes()
		if best != nil && wait >= best.WaitingMinutes {
			return false
		}
		best = &TripMatch{Trip: t, DepartureIndex: di, ArrivalIndex: ai, WaitingMinutes: wait}
		return true
	})
	if p.metrics != nil {
		p.metrics.TripsScanned.Observe(float64(visited))
	}
	if err != nil {
		return nil, transient("scan line "+line, err)
	}
	if best != nil {
		best.Scanned = visited
	}
	return best, nil
}
