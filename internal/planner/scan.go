package planner

import (
	"context"
	"time"

	"bus-tracker/internal/transit"
)

// TripSource is the paged trip read the planner depends on. Pages must come
// back in ascending first-stop departure order; the early exits below are
// only correct under that ordering. The int result is the number of rows
// read, which may exceed the trips returned when invalid rows are dropped.
type TripSource interface {
	ListTrips(ctx context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error)
}

// Scan walks a line's trips page by page.
type Scan struct {
	Source   TripSource
	Line     string
	PageSize int
	Cap      int // max trips visited; 0 means unbounded
}

// Each calls visit for every trip in order until visit returns false, the
// cap is reached, or the trips run out. It returns the number of trips
// visited.
func (s Scan) Each(ctx context.Context, visit func(transit.TripInstance) bool) (int, error) {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	visited := 0
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		limit := pageSize
		if s.Cap > 0 {
			remaining := s.Cap - visited
			if remaining <= 0 {
				return visited, nil
			}
			limit = min(limit, remaining)
		}
		page, n, err := s.Source.ListTrips(ctx, s.Line, offset, limit)
		if err != nil {
			return visited, err
		}
		for _, t := range page {
			visited++
			if !visit(t) {
				return visited, nil
			}
		}
		if n < limit {
			return visited, nil
		}
	}
}

type decision int

const (
	consider decision = iota
	skip
	stop
)

// classify decides what a sorted scan does with trip given the rider's
// arrival at the station and the search horizon.
func classify(t transit.TripInstance, userArrival, maxTime time.Time) decision {
	first, ok := t.FirstDeparture()
	if !ok {
		return skip
	}
	if first.After(maxTime) {
		return stop
	}
	if first.Before(userArrival) {
		return skip
	}
	return consider
}
