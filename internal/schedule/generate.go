// Package schedule builds synthetic trip instances for a line. Trips whose
// stops are already in the past get actual times from the same delay model
// the live simulator uses, so historical statistics and live positions share
// one notion of lateness.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"bus-tracker/internal/delay"
	"bus-tracker/internal/transit"
)

var ErrInvalidParams = errors.New("invalid schedule parameters")

type Params struct {
	Line string
	// Stations in travel order; Offsets[i] is the time from the first
	// departure to the departure at Stations[i].
	Stations []int64
	Offsets  []time.Duration
	// First departures run from From to To inclusive, every Every.
	From  time.Time
	To    time.Time
	Every time.Duration
	// Stops departing at or before ResolveBefore get actual times.
	ResolveBefore time.Time
}

func (p Params) validate() error {
	switch {
	case p.Line == "":
		return fmt.Errorf("%w: line is required", ErrInvalidParams)
	case len(p.Stations) < 2:
		return fmt.Errorf("%w: need at least two stations, got %d", ErrInvalidParams, len(p.Stations))
	case len(p.Offsets) != len(p.Stations):
		return fmt.Errorf("%w: %d offsets for %d stations", ErrInvalidParams, len(p.Offsets), len(p.Stations))
	case p.Every <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidParams)
	case p.To.Before(p.From):
		return fmt.Errorf("%w: range ends before it starts", ErrInvalidParams)
	}
	for i := 1; i < len(p.Offsets); i++ {
		if p.Offsets[i] <= p.Offsets[i-1] {
			return fmt.Errorf("%w: offsets must be strictly increasing (index %d)", ErrInvalidParams, i)
		}
	}
	return nil
}

// Minutes converts travel times in whole minutes to offsets.
func Minutes(mins ...int) []time.Duration {
	out := make([]time.Duration, len(mins))
	for i, m := range mins {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}

// Generate returns one trip per departure slot. Ids are left zero for the
// store to assign.
func Generate(p Params, model *delay.Model) ([]transit.TripInstance, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var trips []transit.TripInstance
	for start := p.From; !start.After(p.To); start = start.Add(p.Every) {
		trip := transit.TripInstance{LineNumber: p.Line, Stops: make([]transit.Stop, len(p.Stations))}
		for i, id := range p.Stations {
			at := start.Add(p.Offsets[i])
			trip.Stops[i] = transit.Stop{StationID: id, ScheduledDeparture: at, ScheduledArrival: at}
		}
		Materialize(&trip, p.ResolveBefore, model)
		trips = append(trips, trip)
	}
	return trips, nil
}

// Materialize gives actual times to every unresolved stop departing at or
// before cutoff, in stop order. It returns the number of stops resolved.
func Materialize(trip *transit.TripInstance, cutoff time.Time, model *delay.Model) int {
	if model == nil {
		return 0
	}
	n := 0
	for i := range trip.Stops {
		st := &trip.Stops[i]
		if st.ScheduledDeparture.After(cutoff) {
			break
		}
		if st.Resolved() {
			continue
		}
		delay.Apply(st, model.Resolve(trip.Stops, i))
		n++
	}
	return n
}

// ClearAfter drops actual times from stops scheduled after cutoff, which is
// how a seeded database is rewound to a new "now". It reports whether
// anything changed.
func ClearAfter(trip *transit.TripInstance, cutoff time.Time) bool {
	changed := false
	for i := range trip.Stops {
		st := &trip.Stops[i]
		if st.ScheduledDeparture.After(cutoff) && (st.ActualDeparture != nil || st.ActualArrival != nil) {
			st.ActualDeparture = nil
			st.ActualArrival = nil
			changed = true
		}
	}
	return changed
}

// Reverse returns the trip run backwards: the same first departure, stations
// in reverse order, and the original travel gaps in reverse. Actual times are
// not carried over.
func Reverse(trip transit.TripInstance) (transit.TripInstance, error) {
	if len(trip.Stops) < 2 {
		return transit.TripInstance{}, fmt.Errorf("%w: trip %d has %d stops", ErrInvalidParams, trip.ID, len(trip.Stops))
	}
	gaps := make([]time.Duration, len(trip.Stops)-1)
	for i := range gaps {
		gaps[i] = trip.Stops[i+1].ScheduledDeparture.Sub(trip.Stops[i].ScheduledDeparture)
	}
	slices.Reverse(gaps)

	out := transit.TripInstance{LineNumber: trip.LineNumber, Stops: make([]transit.Stop, len(trip.Stops))}
	at := trip.Stops[0].ScheduledDeparture
	for i := range out.Stops {
		if i > 0 {
			at = at.Add(gaps[i-1])
		}
		src := trip.Stops[len(trip.Stops)-1-i]
		out.Stops[i] = transit.Stop{StationID: src.StationID, ScheduledDeparture: at, ScheduledArrival: at}
	}
	return out, nil
}
