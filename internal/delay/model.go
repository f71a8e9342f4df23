// Package delay holds the stochastic delay policy shared by the live
// simulator and synthetic schedule generation, plus running statistics used
// when reading historical delays back.
package delay

import (
	"math/rand/v2"
	"sync"
	"time"

	"bus-tracker/internal/transit"
)

const (
	initialDelayProbability = 0.2
	maxInitialDelaySec      = 600
	driftProbability        = 0.3
	minDriftSec             = -60
	maxDriftSec             = 120
)

// Rand is the subset of *rand.Rand the model draws from.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Model draws delays from an injected source. Safe for concurrent use.
type Model struct {
	mu  sync.Mutex
	rng Rand
}

func NewModel(rng Rand) *Model {
	return &Model{rng: rng}
}

// NewSeededModel is the production constructor.
func NewSeededModel(seed uint64) *Model {
	return NewModel(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Initial draws the delay at a trip's first stop in seconds.
func (m *Model) Initial() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng.Float64() >= 1-initialDelayProbability {
		return m.rng.IntN(maxInitialDelaySec + 1)
	}
	return 0
}

// Carry propagates an accumulated delay to the next stop. Zero delays are
// carried unchanged and consume no randomness.
func (m *Model) Carry(accumulated int) int {
	if accumulated <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng.Float64() < driftProbability {
		accumulated += m.rng.IntN(maxDriftSec-minDriftSec+1) + minDriftSec
		if accumulated < 0 {
			accumulated = 0
		}
	}
	return accumulated
}

// Apply sets the stop's actual times to its scheduled times plus delay seconds.
func Apply(stop *transit.Stop, delaySec int) {
	d := time.Duration(delaySec) * time.Second
	dep := stop.ScheduledDeparture.Add(d)
	arr := stop.ScheduledArrival.Add(d)
	stop.ActualDeparture = &dep
	stop.ActualArrival = &arr
}

// Resolve chooses the delay for stop i of stops: carried from the previous
// stop when it is resolved, otherwise a fresh initial draw.
func (m *Model) Resolve(stops []transit.Stop, i int) int {
	if i > 0 {
		if prev, ok := stops[i-1].DepartureDelay(); ok {
			return m.Carry(prev)
		}
	}
	return m.Initial()
}
