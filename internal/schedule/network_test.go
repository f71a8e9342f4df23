package schedule

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/db"
	"bus-tracker/internal/delay"
)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	n, err := LoadNetwork("testdata/network.json")
	require.NoError(t, err)
	require.Len(t, n.Lines, 2)

	store := db.NewMemoryStore()
	win := Window{From: at(3, 10, 0), To: at(3, 11, 0), ResolveBefore: at(3, 10, 20)}
	stats, err := Seed(ctx, store, n, win, delay.NewSeededModel(7), nil)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{Stations: 9, Trips: 10}, stats)

	stations, err := store.ListStations(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, stations, 9)
	byName := make(map[string]int64)
	for _, s := range stations {
		byName[s.Name] = s.ID
	}

	line2, _, err := store.ListTrips(ctx, "2", 0, 100)
	require.NoError(t, err)
	require.Len(t, line2, 6)
	line19, _, err := store.ListTrips(ctx, "19", 0, 100)
	require.NoError(t, err)
	require.Len(t, line19, 4)

	assert.Equal(t, byName["Starowiślna"], line19[0].Stops[2].StationID, "shared stations keep one id")

	var reversed int
	for _, trip := range line2 {
		require.NoError(t, trip.Validate())
		if trip.Stops[0].StationID == byName["Salwator"] {
			reversed++
			assert.Equal(t, byName["Jarzębiny"], trip.Stops[len(trip.Stops)-1].StationID)
		}
	}
	assert.Equal(t, 3, reversed)

	// Departures up to and including 10:20 have started.
	for _, trip := range line19 {
		first, _ := trip.FirstDeparture()
		assert.Equal(t, !first.After(win.ResolveBefore), trip.Stops[0].Resolved(), "trip at %s", first)
	}
}

func TestReadNetwork_Invalid(t *testing.T) {
	_, err := ReadNetwork(strings.NewReader(`{"lines": []}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = ReadNetwork(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestSeed_BadLine(t *testing.T) {
	n, err := ReadNetwork(strings.NewReader(`{"lines":[{"line":"5","every_minutes":10,"stops":[{"name":"A","offset_minutes":0}]}]}`))
	require.NoError(t, err)
	_, err = Seed(context.Background(), db.NewMemoryStore(), n, Window{From: at(3, 10, 0), To: at(3, 11, 0)}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
}
