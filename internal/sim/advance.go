package sim

import (
	"time"

	"bus-tracker/internal/delay"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/transit"
)

// Locator resolves a station id to its coordinates.
type Locator func(stationID int64) (transit.Station, bool)

// Result describes what one Advance did to a trip.
type Result struct {
	Changed   bool
	Resolved  int  // stops resolved by this call
	Complete  bool // position reset to the 0,0 sentinel
	Started   bool // at least one stop has departed
	StopIndex int  // latest departed stop, -1 before the first departure
	Progress  float64
	Delay     int // departure delay at StopIndex in seconds
}

// Advance moves trip forward to now. Every pending stop is resolved in
// order, carrying the delay of the stop before it, and the vehicle position
// is recomputed from the latest departed stop. Resolved stops are never
// touched again, so calling Advance twice with the same now is a no-op the
// second time.
func Advance(trip *transit.TripInstance, now time.Time, model *delay.Model, locate Locator) Result {
	res := Result{StopIndex: -1}
	future := false
	for i := range trip.Stops {
		s := &trip.Stops[i]
		if s.Future(now) {
			future = true
			break
		}
		if s.Pending(now) {
			delay.Apply(s, model.Resolve(trip.Stops, i))
			res.Resolved++
		}
	}
	for i := len(trip.Stops) - 1; i >= 0; i-- {
		if trip.Stops[i].ActualDeparture != nil {
			res.StopIndex = i
			break
		}
	}
	res.Changed = res.Resolved > 0

	if !future && res.Resolved == 0 {
		res.Complete = true
		res.Changed = setPosition(trip, 0, 0) || res.Changed
		return res
	}
	if res.StopIndex < 0 {
		return res
	}
	res.Started = true
	res.Delay, _ = trip.Stops[res.StopIndex].DepartureDelay()

	lat, lon, progress, ok := position(trip, res.StopIndex, now, locate)
	if !ok {
		return res
	}
	res.Progress = progress
	res.Changed = setPosition(trip, lat, lon) || res.Changed
	return res
}

// position places the vehicle between stop i and i+1 while it is in
// transit, otherwise at stop i.
func position(trip *transit.TripInstance, i int, now time.Time, locate Locator) (lat, lon, progress float64, ok bool) {
	cur := trip.Stops[i]
	here, ok := locate(cur.StationID)
	if !ok {
		return 0, 0, 0, false
	}
	if i+1 >= len(trip.Stops) {
		return here.Latitude, here.Longitude, 0, true
	}
	next := trip.Stops[i+1]
	elapsed := now.Sub(*cur.ActualDeparture)
	transitTime := next.ScheduledArrival.Sub(cur.ScheduledDeparture)
	if elapsed <= 0 || elapsed >= transitTime {
		return here.Latitude, here.Longitude, 0, true
	}
	there, ok := locate(next.StationID)
	if !ok {
		return here.Latitude, here.Longitude, 0, true
	}
	progress = float64(elapsed) / float64(transitTime)
	lat, lon = geo.Interpolate(here.Latitude, here.Longitude, there.Latitude, there.Longitude, progress)
	return lat, lon, progress, true
}

func setPosition(trip *transit.TripInstance, lat, lon float64) bool {
	if trip.CurrentLatitude == lat && trip.CurrentLongitude == lon {
		return false
	}
	trip.CurrentLatitude, trip.CurrentLongitude = lat, lon
	return true
}
