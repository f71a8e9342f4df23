package stations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/db"
	"bus-tracker/internal/transit"
)

type countingSource struct {
	*db.MemoryStore
	tripCalls    atomic.Int32
	stationCalls atomic.Int32
	fail         atomic.Bool
}

func (c *countingSource) ListTrips(ctx context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error) {
	c.tripCalls.Add(1)
	return c.MemoryStore.ListTrips(ctx, line, offset, limit)
}

func (c *countingSource) ListStations(ctx context.Context, offset, limit int) ([]transit.Station, error) {
	c.stationCalls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return c.MemoryStore.ListStations(ctx, offset, limit)
}

func lineTrip(line string, stations ...int64) transit.TripInstance {
	start := time.Date(2025, 10, 3, 8, 0, 0, 0, time.UTC)
	t := transit.TripInstance{LineNumber: line}
	for i, id := range stations {
		at := start.Add(time.Duration(i) * 5 * time.Minute)
		t.Stops = append(t.Stops, transit.Stop{StationID: id, ScheduledDeparture: at, ScheduledArrival: at})
	}
	return t
}

func newSource(t *testing.T) *countingSource {
	t.Helper()
	ctx := context.Background()
	m := db.NewMemoryStore()
	require.NoError(t, m.InsertStations(ctx, []transit.Station{
		{ID: 1, Name: "Rondo Mogilskie", Latitude: 50.0655, Longitude: 19.9573},
		{ID: 2, Name: "Teatr Bagatela", Latitude: 50.0637, Longitude: 19.9327},
		{ID: 3, Name: "Cichy Kącik", Latitude: 50.0663, Longitude: 19.9037},
		{ID: 4, Name: "Dworzec Główny", Latitude: 50.0675, Longitude: 19.9470},
		{ID: 5, Name: "Kurdwanów", Latitude: 50.0115, Longitude: 19.9582},
	}))
	require.NoError(t, m.InsertTrips(ctx, []transit.TripInstance{
		lineTrip("2", 1, 2, 3),
		lineTrip("19", 4, 5),
		lineTrip("19", 5, 4),
		lineTrip("52", 2, 4, 99),
	}))
	return &countingSource{MemoryStore: m}
}

func TestNearest(t *testing.T) {
	candidates := []transit.Station{
		{ID: 10, Latitude: 0, Longitude: 1},
		{ID: 11, Latitude: 0, Longitude: 0.5},
		{ID: 12, Latitude: 0, Longitude: -0.5},
	}

	m, ok := Nearest(0, 0, candidates, 4)
	require.True(t, ok)
	assert.Equal(t, int64(11), m.Station.ID, "ties keep the first candidate")
	assert.InDelta(t, 55.6, m.DistanceKm, 0.1)
	assert.InDelta(t, m.DistanceKm/4*60, m.WalkingMinutes, 1e-9)

	_, ok = Nearest(0, 0, nil, 4)
	assert.False(t, ok)
}

func TestLineKey(t *testing.T) {
	assert.Equal(t, "10,19,2", LineKey([]string{"2", "19", "10"}))
	assert.Equal(t, LineKey([]string{"19", "2"}), LineKey([]string{"2", "19", "2", " 19 "}))
	assert.Equal(t, "", LineKey(nil))
}

func TestIndex_StationsForLinesMemo(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	idx := NewIndex(src, Options{PageSize: 2})
	_, err := idx.Refresh(ctx)
	require.NoError(t, err)

	ids, err := idx.StationsForLines(ctx, []string{"19", "2"})
	require.NoError(t, err)
	assert.Len(t, ids, 5)
	calls := src.tripCalls.Load()
	assert.Positive(t, calls)

	again, err := idx.StationsForLines(ctx, []string{"2", "19"})
	require.NoError(t, err)
	assert.Equal(t, ids, again)
	assert.Equal(t, calls, src.tripCalls.Load(), "reordered lines hit the memo")

	_, err = idx.Refresh(ctx)
	require.NoError(t, err)
	_, err = idx.StationsForLines(ctx, []string{"2", "19"})
	require.NoError(t, err)
	assert.Greater(t, src.tripCalls.Load(), calls, "refresh drops the memo")
}

func TestIndex_StationsForLine(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(newSource(t), Options{})
	_, err := idx.Refresh(ctx)
	require.NoError(t, err)

	got, err := idx.StationsForLine(ctx, "52")
	require.NoError(t, err)
	require.Len(t, got, 2, "stations unknown to the index are dropped")
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)

	none, err := idx.StationsForLine(ctx, "999")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIndex_RefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	idx := NewIndex(src, Options{PageSize: 2})
	n, err := idx.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(3), src.stationCalls.Load())

	src.fail.Store(true)
	_, err = idx.Refresh(ctx)
	require.Error(t, err)

	st, ok := idx.Station(3)
	require.True(t, ok)
	assert.Equal(t, "Cichy Kącik", st.Name)
	assert.Len(t, idx.Stations(), 5)
}

func TestIndex_ConcurrentReadsDuringRefresh(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(newSource(t), Options{})
	_, err := idx.Refresh(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%10 == 0 {
					_, _ = idx.Refresh(ctx)
				}
				assert.Len(t, idx.Stations(), 5)
				ids, err := idx.StationsForLines(ctx, []string{"2"})
				assert.NoError(t, err)
				assert.Len(t, ids, 3)
			}
		}()
	}
	wg.Wait()
}
