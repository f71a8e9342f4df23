package transit

import (
	"errors"
	"fmt"
	"time"
)

type Station struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stop is one visit of a trip to a station. Actual times stay nil until the
// simulator resolves the stop and never go back to nil afterwards.
type Stop struct {
	StationID          int64
	ScheduledDeparture time.Time
	ScheduledArrival   time.Time
	ActualDeparture    *time.Time
	ActualArrival      *time.Time
}

// TripInstance is a single scheduled run of a line.
type TripInstance struct {
	ID               int64
	LineNumber       string
	Stops            []Stop
	CurrentLatitude  float64
	CurrentLongitude float64
}

// Report is a rider-submitted delay report awaiting verification.
type Report struct {
	ID           int64
	UserID       int64
	TripID       int64
	StationID    int64
	DelayMinutes int
	HasDelay     bool
}

var ErrInvalidTrip = errors.New("invalid trip")

// Pending reports whether the stop's scheduled departure has passed without
// the stop being resolved.
func (s Stop) Pending(now time.Time) bool {
	return s.ActualDeparture == nil && !s.ScheduledDeparture.After(now)
}

func (s Stop) Resolved() bool {
	return s.ActualDeparture != nil && s.ActualArrival != nil
}

func (s Stop) Future(now time.Time) bool {
	return s.ScheduledDeparture.After(now)
}

// DepartureDelay returns actual minus scheduled departure in seconds.
func (s Stop) DepartureDelay() (int, bool) {
	if s.ActualDeparture == nil {
		return 0, false
	}
	return int(s.ActualDeparture.Sub(s.ScheduledDeparture) / time.Second), true
}

// ArrivalDelay returns actual minus scheduled arrival in seconds.
func (s Stop) ArrivalDelay() (int, bool) {
	if s.ActualArrival == nil {
		return 0, false
	}
	return int(s.ActualArrival.Sub(s.ScheduledArrival) / time.Second), true
}

// FirstDeparture is the scheduled departure of the origin stop.
func (t TripInstance) FirstDeparture() (time.Time, bool) {
	if len(t.Stops) == 0 {
		return time.Time{}, false
	}
	return t.Stops[0].ScheduledDeparture, true
}

// StationPair locates the first occurrence of dep and, scanning forward from
// it, the first occurrence of arr. ok is false unless arr is strictly after dep.
func (t TripInstance) StationPair(dep, arr int64) (depIdx, arrIdx int, ok bool) {
	depIdx, arrIdx = -1, -1
	for i, s := range t.Stops {
		if depIdx < 0 {
			if s.StationID == dep {
				depIdx = i
			}
			continue
		}
		if s.StationID == arr {
			arrIdx = i
			break
		}
	}
	if depIdx < 0 || arrIdx <= depIdx {
		return -1, -1, false
	}
	return depIdx, arrIdx, true
}

// Clone returns a deep copy so callers can mutate stops without aliasing
// the original slice.
func (t TripInstance) Clone() TripInstance {
	out := t
	out.Stops = make([]Stop, len(t.Stops))
	for i, s := range t.Stops {
		out.Stops[i] = s
		if s.ActualDeparture != nil {
			v := *s.ActualDeparture
			out.Stops[i].ActualDeparture = &v
		}
		if s.ActualArrival != nil {
			v := *s.ActualArrival
			out.Stops[i].ActualArrival = &v
		}
	}
	return out
}

// Validate checks the ordering invariant: scheduled departures strictly increase.
func (t TripInstance) Validate() error {
	if len(t.Stops) == 0 {
		return fmt.Errorf("%w: trip %d has no stops", ErrInvalidTrip, t.ID)
	}
	for i, s := range t.Stops {
		if s.StationID <= 0 {
			return fmt.Errorf("%w: trip %d stop %d has no station", ErrInvalidTrip, t.ID, i)
		}
		if s.ScheduledDeparture.IsZero() || s.ScheduledArrival.IsZero() {
			return fmt.Errorf("%w: trip %d stop %d missing scheduled times", ErrInvalidTrip, t.ID, i)
		}
		if i > 0 && !s.ScheduledDeparture.After(t.Stops[i-1].ScheduledDeparture) {
			return fmt.Errorf("%w: trip %d stop %d departs at or before stop %d", ErrInvalidTrip, t.ID, i, i-1)
		}
	}
	return nil
}
