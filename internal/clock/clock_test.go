package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_Now(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	result := c.Now()
	after := time.Now()

	assert.False(t, result.Before(before))
	assert.False(t, result.After(after))
}

func TestRealClock_Location(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	assert.Equal(t, loc, RealClock{Location: loc}.Now().Location())
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 10, 3, 10, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(20 * time.Second)
	assert.Equal(t, start.Add(20*time.Second), c.Now())

	c.Advance(-time.Minute)
	assert.Equal(t, start.Add(-40*time.Second), c.Now())

	later := start.Add(24 * time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}
