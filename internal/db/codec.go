package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bus-tracker/internal/transit"
)

// TimeLayout is the zone-less timestamp format of the stored stop arrays.
const TimeLayout = "2006-01-02 15:04:05"

// stopRecord is the persisted shape of one stop.
type stopRecord struct {
	StationID           int64   `json:"station_id"`
	DepartureTime       string  `json:"departure_time"`
	ArrivalTime         string  `json:"arrival_time"`
	ActualDepartureTime *string `json:"actual_departure_time"`
	ActualArrivalTime   *string `json:"actual_arrival_time"`
}

// DecodeStops parses a stored stop array, interpreting timestamps in loc.
func DecodeStops(raw []byte, loc *time.Location) ([]transit.Stop, error) {
	var recs []stopRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("decode stops: %w", err)
	}
	stops := make([]transit.Stop, len(recs))
	for i, r := range recs {
		dep, err := parseTime(r.DepartureTime, loc)
		if err != nil {
			return nil, fmt.Errorf("stop %d departure_time: %w", i, err)
		}
		arr, err := parseTime(r.ArrivalTime, loc)
		if err != nil {
			return nil, fmt.Errorf("stop %d arrival_time: %w", i, err)
		}
		st := transit.Stop{StationID: r.StationID, ScheduledDeparture: dep, ScheduledArrival: arr}
		if st.ActualDeparture, err = parseOptional(r.ActualDepartureTime, loc); err != nil {
			return nil, fmt.Errorf("stop %d actual_departure_time: %w", i, err)
		}
		if st.ActualArrival, err = parseOptional(r.ActualArrivalTime, loc); err != nil {
			return nil, fmt.Errorf("stop %d actual_arrival_time: %w", i, err)
		}
		stops[i] = st
	}
	return stops, nil
}

// EncodeStops renders stops in the persisted format.
func EncodeStops(stops []transit.Stop, loc *time.Location) ([]byte, error) {
	recs := make([]stopRecord, len(stops))
	for i, s := range stops {
		recs[i] = stopRecord{
			StationID:           s.StationID,
			DepartureTime:       formatTime(s.ScheduledDeparture, loc),
			ArrivalTime:         formatTime(s.ScheduledArrival, loc),
			ActualDepartureTime: formatOptional(s.ActualDeparture, loc),
			ActualArrivalTime:   formatOptional(s.ActualArrival, loc),
		}
	}
	return json.Marshal(recs)
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(TimeLayout, s, loc); err == nil {
		return t, nil
	}
	// Tolerate ISO "T" separators and explicit offsets.
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseOptional(s *string, loc *time.Location) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseTime(*s, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(TimeLayout)
}

func formatOptional(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t, loc)
	return &s
}
