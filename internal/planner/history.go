package planner

import (
	"context"
	"time"

	"bus-tracker/internal/delay"
	"bus-tracker/internal/transit"
)

// DelayEstimate summarizes past delays for a station pair around a time of
// day. SampleSize counts departure samples.
type DelayEstimate struct {
	AvgDepartureDelaySec    int     `json:"average_departure_delay_seconds"`
	AvgArrivalDelaySec      int     `json:"average_arrival_delay_seconds"`
	DepartureDelayStdDevSec float64 `json:"departure_delay_stddev_seconds"`
	ArrivalDelayStdDevSec   float64 `json:"arrival_delay_stddev_seconds"`
	SampleSize              int     `json:"historical_sample_size"`
}

// HistoricalDelay scans the first HistoryScanCap trips of line for runs that
// serve depID then arrID with a departure time of day within HistoryWindow of
// target, and averages their materialized delays.
func (p *Planner) HistoricalDelay(ctx context.Context, line string, depID, arrID int64, target time.Time) (DelayEstimate, error) {
	targetTOD := timeOfDay(target.In(p.cfg.Location))
	var dep, arr delay.Welford

	scan := Scan{Source: p.trips, Line: line, PageSize: p.cfg.PageSize, Cap: p.cfg.HistoryScanCap}
	_, err := scan.Each(ctx, func(t transit.TripInstance) bool {
		di, ai, ok := t.StationPair(depID, arrID)
		if !ok {
			return true
		}
		tod := timeOfDay(t.Stops[di].ScheduledDeparture.In(p.cfg.Location))
		if clockDistance(tod, targetTOD) > p.cfg.HistoryWindow {
			return true
		}
		if d, ok := t.Stops[di].DepartureDelay(); ok {
			dep.Add(float64(d))
		}
		if d, ok := t.Stops[ai].ArrivalDelay(); ok {
			arr.Add(float64(d))
		}
		return true
	})
	if err != nil {
		return DelayEstimate{}, transient("historical delay", err)
	}
	return DelayEstimate{
		AvgDepartureDelaySec:    dep.RoundedMean(),
		AvgArrivalDelaySec:      arr.RoundedMean(),
		DepartureDelayStdDevSec: dep.StdDev(),
		ArrivalDelayStdDevSec:   arr.StdDev(),
		SampleSize:              dep.Count,
	}, nil
}

const day = 24 * time.Hour

func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// clockDistance is the shorter way around the clock between two times of
// day, so 23:50 and 00:10 are 20 minutes apart.
func clockDistance(a, b time.Duration) time.Duration {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > day/2 {
		d = day - d
	}
	return d
}
