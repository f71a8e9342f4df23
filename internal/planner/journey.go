package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/stations"
)

type JourneyRequest struct {
	StartLatitude        float64 `json:"start_latitude"`
	StartLongitude       float64 `json:"start_longitude"`
	DestinationLatitude  float64 `json:"destination_latitude"`
	DestinationLongitude float64 `json:"destination_longitude"`
	DepartureTime        string  `json:"departure_time"`
}

type StationInfo struct {
	ID        int64   `json:"station_id"`
	Name      string  `json:"station_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type WalkingSegment struct {
	DistanceKm float64 `json:"distance_km"`
	Minutes    float64 `json:"time_minutes"`
}

// ItineraryStop is one stop between boarding and alighting, inclusive.
type ItineraryStop struct {
	StationInfo
	ScheduledArrival   time.Time  `json:"arrival_time"`
	ScheduledDeparture time.Time  `json:"departure_time"`
	ActualArrival      *time.Time `json:"actual_arrival_time"`
	ActualDeparture    *time.Time `json:"actual_departure_time"`
	Boarding           bool       `json:"is_boarding_station"`
	Exit               bool       `json:"is_exit_station"`
}

type Journey struct {
	DepartureStation     StationInfo    `json:"departure_station"`
	WalkToDeparture      WalkingSegment `json:"walking_to_departure"`
	UserArrivalAtStation time.Time      `json:"user_arrival_at_station_time"`

	LineNumber            string          `json:"line_number"`
	TripID                int64           `json:"trip_id"`
	BusDepartureScheduled time.Time       `json:"bus_departure_time_scheduled"`
	BusDepartureActual    *time.Time      `json:"bus_departure_time_actual"`
	BusArrivalScheduled   time.Time       `json:"bus_arrival_time_scheduled"`
	BusArrivalActual      *time.Time      `json:"bus_arrival_time_actual"`
	Stops                 []ItineraryStop `json:"bus_stations"`

	ArrivalStation  StationInfo    `json:"arrival_station"`
	WalkFromArrival WalkingSegment `json:"walking_from_arrival"`

	TotalMinutes   float64 `json:"total_journey_time_minutes"`
	WaitingMinutes float64 `json:"total_waiting_time_minutes"`

	Delay DelayEstimate `json:"historical_delay"`
}

var requestLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDepartureTime accepts RFC 3339 timestamps and zone-less ISO-8601
// local times, the latter interpreted in loc.
func ParseDepartureTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalid("departure_time is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range requestLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("departure_time %q is not an ISO-8601 timestamp", s)
}

func validatePoint(name string, lat, lon float64) error {
	if !geo.ValidCoordinates(lat, lon) {
		return invalid("%s coordinates (%v, %v) out of range", name, lat, lon)
	}
	return nil
}

type candidate struct {
	line   string
	origin stations.Match
	dest   stations.Match
	match  *TripMatch
	total  float64
}

// PlanJourney evaluates every configured line independently and returns the
// journey with the smallest total time.
func (p *Planner) PlanJourney(ctx context.Context, req JourneyRequest) (*Journey, error) {
	start := time.Now()
	j, err := p.planJourney(ctx, req)
	if p.metrics != nil {
		p.metrics.Searches.WithLabelValues(Outcome(err)).Inc()
		p.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}
	return j, err
}

func (p *Planner) planJourney(ctx context.Context, req JourneyRequest) (*Journey, error) {
	if err := validatePoint("start", req.StartLatitude, req.StartLongitude); err != nil {
		return nil, err
	}
	if err := validatePoint("destination", req.DestinationLatitude, req.DestinationLongitude); err != nil {
		return nil, err
	}
	departure, err := ParseDepartureTime(req.DepartureTime, p.cfg.Location)
	if err != nil {
		return nil, err
	}

	var best *candidate
	anyStations := false
	for _, line := range p.cfg.Lines {
		cands, err := p.index.StationsForLine(ctx, line)
		if err != nil {
			return nil, transient("stations for line "+line, err)
		}
		origin, ok := stations.Nearest(req.StartLatitude, req.StartLongitude, cands, p.cfg.WalkingSpeedKmh)
		if !ok {
			continue
		}
		dest, _ := stations.Nearest(req.DestinationLatitude, req.DestinationLongitude, cands, p.cfg.WalkingSpeedKmh)
		anyStations = true
		if origin.Station.ID == dest.Station.ID {
			p.logger.Debug("origin and destination share a station", slog.String("line", line), slog.Int64("station_id", origin.Station.ID))
			continue
		}

		userArrival := departure.Add(minutes(origin.WalkingMinutes))
		match, err := p.FindBestTrip(ctx, origin.Station.ID, dest.Station.ID, userArrival, line)
		if err != nil {
			return nil, err
		}
		if match == nil {
			continue
		}
		total := origin.WalkingMinutes + match.WaitingMinutes + match.TransitMinutes() + dest.WalkingMinutes
		p.logger.Debug("line candidate",
			slog.String("line", line),
			slog.Int64("trip_id", match.Trip.ID),
			slog.Float64("total_minutes", total),
			slog.Int("trips_scanned", match.Scanned))
		if best == nil || total < best.total {
			best = &candidate{line: line, origin: origin, dest: dest, match: match, total: total}
		}
	}
	if !anyStations {
		return nil, ErrNotFound
	}
	if best == nil {
		return nil, fmt.Errorf("%w from %.5f,%.5f", ErrNoRoute, req.StartLatitude, req.StartLongitude)
	}

	est, err := p.HistoricalDelay(ctx, best.line, best.origin.Station.ID, best.dest.Station.ID, best.match.BusDeparture())
	if err != nil {
		return nil, err
	}
	return p.assemble(best, departure, est), nil
}

func (p *Planner) assemble(c *candidate, departure time.Time, est DelayEstimate) *Journey {
	m := c.match
	depStop := m.Trip.Stops[m.DepartureIndex]
	arrStop := m.Trip.Stops[m.ArrivalIndex]

	j := &Journey{
		DepartureStation:      stationInfo(c.origin),
		WalkToDeparture:       WalkingSegment{DistanceKm: c.origin.DistanceKm, Minutes: c.origin.WalkingMinutes},
		UserArrivalAtStation:  departure.Add(minutes(c.origin.WalkingMinutes)),
		LineNumber:            m.Trip.LineNumber,
		TripID:                m.Trip.ID,
		BusDepartureScheduled: depStop.ScheduledDeparture,
		BusDepartureActual:    depStop.ActualDeparture,
		BusArrivalScheduled:   arrStop.ScheduledArrival,
		BusArrivalActual:      arrStop.ActualArrival,
		ArrivalStation:        stationInfo(c.dest),
		WalkFromArrival:       WalkingSegment{DistanceKm: c.dest.DistanceKm, Minutes: c.dest.WalkingMinutes},
		TotalMinutes:          c.total,
		WaitingMinutes:        m.WaitingMinutes,
		Delay:                 est,
	}
	for i := m.DepartureIndex; i <= m.ArrivalIndex; i++ {
		s := m.Trip.Stops[i]
		st, ok := p.index.Station(s.StationID)
		if !ok {
			p.logger.Warn("itinerary stop missing from station index", slog.Int64("station_id", s.StationID))
			continue
		}
		j.Stops = append(j.Stops, ItineraryStop{
			StationInfo:        StationInfo{ID: st.ID, Name: st.Name, Latitude: st.Latitude, Longitude: st.Longitude},
			ScheduledArrival:   s.ScheduledArrival,
			ScheduledDeparture: s.ScheduledDeparture,
			ActualArrival:      s.ActualArrival,
			ActualDeparture:    s.ActualDeparture,
			Boarding:           i == m.DepartureIndex,
			Exit:               i == m.ArrivalIndex,
		})
	}
	return j
}

// ClosestStation finds the nearest station over the whole index.
func (p *Planner) ClosestStation(_ context.Context, lat, lon float64) (stations.Match, error) {
	if err := validatePoint("query", lat, lon); err != nil {
		return stations.Match{}, err
	}
	m, ok := stations.Nearest(lat, lon, p.index.Stations(), p.cfg.WalkingSpeedKmh)
	if !ok {
		return stations.Match{}, ErrNotFound
	}
	return m, nil
}

func stationInfo(m stations.Match) StationInfo {
	return StationInfo{ID: m.Station.ID, Name: m.Station.Name, Latitude: m.Station.Latitude, Longitude: m.Station.Longitude}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
