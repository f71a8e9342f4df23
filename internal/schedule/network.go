package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"bus-tracker/internal/delay"
	"bus-tracker/internal/transit"
)

// Network describes the lines to seed. Stations are identified by name and
// shared between lines that list the same name.
type Network struct {
	Lines []LineSpec `json:"lines"`
}

// LineSpec with Reverse set also gets the trips run in the opposite direction.
type LineSpec struct {
	Line         string     `json:"line"`
	EveryMinutes int        `json:"every_minutes"`
	Reverse      bool       `json:"reverse"`
	Stops        []StopSpec `json:"stops"`
}

type StopSpec struct {
	Name          string  `json:"name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	OffsetMinutes int     `json:"offset_minutes"`
}

func ReadNetwork(r io.Reader) (*Network, error) {
	var n Network
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("decode network: %w", err)
	}
	if len(n.Lines) == 0 {
		return nil, fmt.Errorf("%w: network has no lines", ErrInvalidParams)
	}
	return &n, nil
}

func LoadNetwork(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadNetwork(f)
}

// Writer is the part of the schedule store seeding needs.
type Writer interface {
	InsertStations(ctx context.Context, stations []transit.Station) error
	InsertTrips(ctx context.Context, trips []transit.TripInstance) error
}

type Window struct {
	From          time.Time
	To            time.Time
	ResolveBefore time.Time
}

type SeedStats struct {
	Stations int
	Trips    int
}

const insertBatch = 500

// Seed writes the network's stations and then every line's trips over the
// window.
func Seed(ctx context.Context, w Writer, n *Network, win Window, model *delay.Model, logger *slog.Logger) (SeedStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats SeedStats

	ids := make(map[string]int64)
	var newStations []transit.Station
	for _, l := range n.Lines {
		for _, s := range l.Stops {
			if _, seen := ids[s.Name]; seen {
				continue
			}
			ids[s.Name] = 0
			newStations = append(newStations, transit.Station{Name: s.Name, Latitude: s.Latitude, Longitude: s.Longitude})
		}
	}
	if err := w.InsertStations(ctx, newStations); err != nil {
		return stats, fmt.Errorf("insert stations: %w", err)
	}
	for _, st := range newStations {
		ids[st.Name] = st.ID
	}
	stats.Stations = len(newStations)
	logger.Info("stations seeded", slog.Int("count", stats.Stations))

	for _, l := range n.Lines {
		p := Params{
			Line:          l.Line,
			From:          win.From,
			To:            win.To,
			Every:         time.Duration(l.EveryMinutes) * time.Minute,
			ResolveBefore: win.ResolveBefore,
		}
		for _, s := range l.Stops {
			p.Stations = append(p.Stations, ids[s.Name])
			p.Offsets = append(p.Offsets, time.Duration(s.OffsetMinutes)*time.Minute)
		}
		trips, err := Generate(p, model)
		if err != nil {
			return stats, fmt.Errorf("line %s: %w", l.Line, err)
		}
		if l.Reverse {
			forward := len(trips)
			for i := 0; i < forward; i++ {
				rev, err := Reverse(trips[i])
				if err != nil {
					return stats, fmt.Errorf("line %s: %w", l.Line, err)
				}
				Materialize(&rev, win.ResolveBefore, model)
				trips = append(trips, rev)
			}
		}
		for start := 0; start < len(trips); start += insertBatch {
			end := min(start+insertBatch, len(trips))
			if err := w.InsertTrips(ctx, trips[start:end]); err != nil {
				return stats, fmt.Errorf("line %s: insert trips: %w", l.Line, err)
			}
		}
		stats.Trips += len(trips)
		logger.Info("line seeded", slog.String("line", l.Line), slog.Int("trips", len(trips)))
	}
	return stats, nil
}
