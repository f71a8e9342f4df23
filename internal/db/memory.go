package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/transit"
)

// MemoryStore is an in-process schedule store with the same ordering
// guarantees as SQLStore. Every read returns copies.
type MemoryStore struct {
	mu       sync.RWMutex
	stations map[int64]transit.Station
	trips    []transit.TripInstance // sorted by first departure, then id
	reports  map[int64]transit.Report
	resolved map[int64]bool
	points   map[int64]int
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations: make(map[int64]transit.Station),
		reports:  make(map[int64]transit.Report),
		resolved: make(map[int64]bool),
		points:   make(map[int64]int),
	}
}

func (m *MemoryStore) id(want int64) int64 {
	if want > m.nextID {
		m.nextID = want
		return want
	}
	if want > 0 {
		return want
	}
	m.nextID++
	return m.nextID
}

// InsertStations keeps ids that are already set and assigns the rest.
func (m *MemoryStore) InsertStations(_ context.Context, stations []transit.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range stations {
		stations[i].ID = m.id(stations[i].ID)
		m.stations[stations[i].ID] = stations[i]
	}
	return nil
}

// InsertTrips keeps ids that are already set and assigns the rest.
func (m *MemoryStore) InsertTrips(_ context.Context, trips []transit.TripInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range trips {
		if err := trips[i].Validate(); err != nil {
			return err
		}
		trips[i].ID = m.id(trips[i].ID)
		m.trips = append(m.trips, trips[i].Clone())
	}
	sort.SliceStable(m.trips, func(i, j int) bool {
		a, _ := m.trips[i].FirstDeparture()
		b, _ := m.trips[j].FirstDeparture()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return m.trips[i].ID < m.trips[j].ID
	})
	return nil
}

func (m *MemoryStore) ListTrips(_ context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []transit.TripInstance
	seen := 0
	for _, t := range m.trips {
		if line != "" && t.LineNumber != line {
			continue
		}
		if seen >= offset && len(out) < limit {
			out = append(out, t.Clone())
		}
		seen++
		if len(out) >= limit {
			break
		}
	}
	return out, len(out), nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id int64) (transit.TripInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return transit.TripInstance{}, fmt.Errorf("trip %d: %w", id, ErrNotFound)
}

func (m *MemoryStore) UpdateTrip(_ context.Context, id int64, stops []transit.Stop, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.trips {
		if m.trips[i].ID != id {
			continue
		}
		updated := transit.TripInstance{ID: id, LineNumber: m.trips[i].LineNumber, Stops: stops}.Clone()
		updated.CurrentLatitude, updated.CurrentLongitude = lat, lon
		m.trips[i] = updated
		return nil
	}
	return fmt.Errorf("update trip %d: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListStations(_ context.Context, offset, limit int) ([]transit.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.stations))
	for id := range m.stations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:min(len(ids), offset+limit)]
	out := make([]transit.Station, len(ids))
	for i, id := range ids {
		out[i] = m.stations[id]
	}
	return out, nil
}

func (m *MemoryStore) GetStationsByIDs(_ context.Context, ids []int64) ([]transit.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []transit.Station
	for _, id := range ids {
		if st, ok := m.stations[id]; ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddReport registers a pending report.
func (m *MemoryStore) AddReport(r transit.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
}

func (m *MemoryStore) PendingReports(_ context.Context) ([]transit.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []transit.Report
	for id, r := range m.reports {
		if _, done := m.resolved[id]; !done {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ResolveReport(_ context.Context, r transit.Report, verified bool, _ time.Time, credit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.resolved[r.ID]; done {
		return fmt.Errorf("report %d: %w", r.ID, ErrNotFound)
	}
	m.resolved[r.ID] = verified
	if verified {
		m.points[r.UserID] += credit
	}
	return nil
}

// ReportStatus returns the decided status of a report, if any.
func (m *MemoryStore) ReportStatus(id int64) (verified, decided bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	verified, decided = m.resolved[id]
	return verified, decided
}

func (m *MemoryStore) Points(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.points[userID]
}
