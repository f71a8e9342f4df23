package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/delay"
	"bus-tracker/internal/transit"
)

// fixed always draws the same values.
type fixed struct {
	f float64
	n int
}

func (r fixed) Float64() float64 { return r.f }
func (r fixed) IntN(n int) int   { return min(r.n, n-1) }

func at(day, h, m int) time.Time {
	return time.Date(2025, 10, day, h, m, 0, 0, time.UTC)
}

func params() Params {
	return Params{
		Line:          "2",
		Stations:      []int64{1, 2, 3},
		Offsets:       Minutes(0, 3, 10),
		From:          at(3, 10, 0),
		To:            at(3, 11, 0),
		Every:         30 * time.Minute,
		ResolveBefore: at(3, 10, 32),
	}
}

func TestGenerate(t *testing.T) {
	// Every trip starts 100s late; drift never fires (0.9 >= 0.3).
	trips, err := Generate(params(), delay.NewModel(fixed{f: 0.9, n: 100}))
	require.NoError(t, err)
	require.Len(t, trips, 3, "10:00, 10:30 and 11:00 inclusive")

	for _, trip := range trips {
		require.NoError(t, trip.Validate())
		assert.Equal(t, "2", trip.LineNumber)
		assert.Zero(t, trip.ID)
	}

	first := trips[0]
	assert.Equal(t, at(3, 10, 10), first.Stops[2].ScheduledDeparture)
	for _, st := range first.Stops {
		d, ok := st.DepartureDelay()
		require.True(t, ok)
		assert.Equal(t, 100, d)
	}

	second := trips[1]
	assert.True(t, second.Stops[0].Resolved())
	assert.False(t, second.Stops[1].Resolved(), "10:33 is after the cutoff")
	assert.False(t, second.Stops[2].Resolved())

	for _, st := range trips[2].Stops {
		assert.Nil(t, st.ActualDeparture)
	}
}

func TestGenerate_OnTimeTripsStayOnTime(t *testing.T) {
	p := params()
	p.ResolveBefore = at(4, 0, 0)
	trips, err := Generate(p, delay.NewModel(fixed{f: 0.1, n: 500}))
	require.NoError(t, err)
	for _, trip := range trips {
		for _, st := range trip.Stops {
			d, ok := st.DepartureDelay()
			require.True(t, ok)
			assert.Zero(t, d)
		}
	}
}

func TestGenerate_InvalidParams(t *testing.T) {
	cases := map[string]func(*Params){
		"no line":             func(p *Params) { p.Line = "" },
		"one station":         func(p *Params) { p.Stations = p.Stations[:1]; p.Offsets = p.Offsets[:1] },
		"offset count":        func(p *Params) { p.Offsets = p.Offsets[:2] },
		"zero interval":       func(p *Params) { p.Every = 0 },
		"reversed range":      func(p *Params) { p.To = p.From.Add(-time.Minute) },
		"non-monotone offset": func(p *Params) { p.Offsets = Minutes(0, 5, 5) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := params()
			mutate(&p)
			_, err := Generate(p, nil)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestClearAfter(t *testing.T) {
	p := params()
	p.ResolveBefore = at(4, 0, 0)
	trips, err := Generate(p, delay.NewModel(fixed{f: 0.1}))
	require.NoError(t, err)

	trip := trips[1]
	assert.True(t, ClearAfter(&trip, at(3, 10, 32)))
	assert.True(t, trip.Stops[0].Resolved())
	assert.Nil(t, trip.Stops[1].ActualDeparture)
	assert.Nil(t, trip.Stops[2].ActualArrival)
	assert.False(t, ClearAfter(&trip, at(3, 10, 32)), "second pass is a no-op")
}

func TestMaterialize_CarriesFromResolvedPrefix(t *testing.T) {
	trip := transit.TripInstance{LineNumber: "2", Stops: []transit.Stop{
		{StationID: 1, ScheduledDeparture: at(3, 10, 0), ScheduledArrival: at(3, 10, 0)},
		{StationID: 2, ScheduledDeparture: at(3, 10, 5), ScheduledArrival: at(3, 10, 5)},
	}}
	delay.Apply(&trip.Stops[0], 240)

	// Drift is skipped (0.9 >= 0.3), so the 240s delay is carried as is.
	n := Materialize(&trip, at(3, 11, 0), delay.NewModel(fixed{f: 0.9, n: 0}))
	assert.Equal(t, 1, n)
	d, ok := trip.Stops[1].DepartureDelay()
	require.True(t, ok)
	assert.Equal(t, 240, d)
}

func TestReverse(t *testing.T) {
	trip := transit.TripInstance{ID: 9, LineNumber: "19", Stops: []transit.Stop{
		{StationID: 1, ScheduledDeparture: at(3, 8, 0), ScheduledArrival: at(3, 8, 0)},
		{StationID: 2, ScheduledDeparture: at(3, 8, 2), ScheduledArrival: at(3, 8, 2)},
		{StationID: 3, ScheduledDeparture: at(3, 8, 9), ScheduledArrival: at(3, 8, 9)},
	}}
	delay.Apply(&trip.Stops[0], 60)

	rev, err := Reverse(trip)
	require.NoError(t, err)
	require.NoError(t, rev.Validate())
	assert.Zero(t, rev.ID)
	assert.Equal(t, "19", rev.LineNumber)

	ids := []int64{rev.Stops[0].StationID, rev.Stops[1].StationID, rev.Stops[2].StationID}
	assert.Equal(t, []int64{3, 2, 1}, ids)
	assert.Equal(t, at(3, 8, 0), rev.Stops[0].ScheduledDeparture)
	assert.Equal(t, at(3, 8, 7), rev.Stops[1].ScheduledDeparture)
	assert.Equal(t, at(3, 8, 9), rev.Stops[2].ScheduledDeparture)
	for _, st := range rev.Stops {
		assert.Nil(t, st.ActualDeparture)
	}

	_, err = Reverse(transit.TripInstance{Stops: trip.Stops[:1]})
	assert.ErrorIs(t, err, ErrInvalidParams)
}
