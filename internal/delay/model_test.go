package delay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/transit"
)

// scripted replays fixed draws and records how many were consumed.
type scripted struct {
	floats []float64
	ints   []int
	nf, ni int
}

func (s *scripted) Float64() float64 {
	v := s.floats[s.nf%len(s.floats)]
	s.nf++
	return v
}

func (s *scripted) IntN(n int) int {
	v := s.ints[s.ni%len(s.ints)]
	s.ni++
	if v >= n {
		v = n - 1
	}
	return v
}

func TestInitial(t *testing.T) {
	onTime := &scripted{floats: []float64{0.5}, ints: []int{300}}
	assert.Equal(t, 0, NewModel(onTime).Initial())
	assert.Equal(t, 0, onTime.ni, "no delay amount drawn when on time")

	late := &scripted{floats: []float64{0.8}, ints: []int{300}}
	assert.Equal(t, 300, NewModel(late).Initial())

	capped := &scripted{floats: []float64{0.99}, ints: []int{10_000}}
	assert.Equal(t, 600, NewModel(capped).Initial())
}

func TestCarry(t *testing.T) {
	// Zero delay is never adjusted.
	src := &scripted{floats: []float64{0.1}, ints: []int{180}}
	assert.Equal(t, 0, NewModel(src).Carry(0))
	assert.Equal(t, 0, src.nf)

	// No drift draw.
	assert.Equal(t, 100, NewModel(&scripted{floats: []float64{0.3}, ints: []int{0}}).Carry(100))

	// IntN(181)=0 maps to -60.
	assert.Equal(t, 40, NewModel(&scripted{floats: []float64{0.1}, ints: []int{0}}).Carry(100))

	// IntN(181)=180 maps to +120.
	assert.Equal(t, 220, NewModel(&scripted{floats: []float64{0.1}, ints: []int{180}}).Carry(100))

	// Clamped at zero.
	assert.Equal(t, 0, NewModel(&scripted{floats: []float64{0.1}, ints: []int{0}}).Carry(30))
}

func TestResolve(t *testing.T) {
	base := time.Date(2025, 10, 3, 10, 0, 0, 0, time.UTC)
	stops := []transit.Stop{
		{StationID: 1, ScheduledDeparture: base, ScheduledArrival: base},
		{StationID: 2, ScheduledDeparture: base.Add(5 * time.Minute), ScheduledArrival: base.Add(4 * time.Minute)},
	}
	m := NewModel(&scripted{floats: []float64{0.9, 0.9}, ints: []int{300}})

	d := m.Resolve(stops, 0)
	require.Equal(t, 300, d)
	Apply(&stops[0], d)
	assert.Equal(t, base.Add(5*time.Minute), *stops[0].ActualDeparture)

	// Carried forward, no drift since 0.9 >= 0.3.
	d = m.Resolve(stops, 1)
	assert.Equal(t, 300, d)
	Apply(&stops[1], d)
	assert.Equal(t, base.Add(9*time.Minute), *stops[1].ActualArrival, "arrival delay added to scheduled arrival")
}

func TestModelConcurrentUse(t *testing.T) {
	m := NewSeededModel(7)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d := m.Initial()
				assert.GreaterOrEqual(t, d, 0)
				assert.LessOrEqual(t, d, 600)
				c := m.Carry(d)
				assert.GreaterOrEqual(t, c, 0)
			}
		}()
	}
	wg.Wait()
}

func TestWelford(t *testing.T) {
	var w Welford
	assert.Equal(t, 0, w.RoundedMean())
	assert.Equal(t, 0.0, w.StdDev())

	for _, v := range []float64{60, 120, 180} {
		w.Add(v)
	}
	assert.Equal(t, 3, w.Count)
	assert.Equal(t, 120, w.RoundedMean())
	assert.InDelta(t, 48.99, w.StdDev(), 0.01)
}
