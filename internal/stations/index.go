package stations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

const (
	DefaultPageSize = 1000
	defaultMemoSize = 256
)

// Source is the part of the schedule store the index reads from.
type Source interface {
	ListStations(ctx context.Context, offset, limit int) ([]transit.Station, error)
	ListTrips(ctx context.Context, line string, offset, limit int) ([]transit.TripInstance, int, error)
}

// Match is the result of a nearest-station lookup.
type Match struct {
	Station        transit.Station
	DistanceKm     float64
	WalkingMinutes float64
}

// Nearest scans candidates for the station closest to (lat, lon). Ties keep
// the first candidate; an empty set yields ok == false.
func Nearest(lat, lon float64, candidates []transit.Station, walkingSpeedKmh float64) (Match, bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}
	best := 0
	bestDist := geo.DistanceKm(lat, lon, candidates[0].Latitude, candidates[0].Longitude)
	for i := 1; i < len(candidates); i++ {
		d := geo.DistanceKm(lat, lon, candidates[i].Latitude, candidates[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return Match{
		Station:        candidates[best],
		DistanceKm:     bestDist,
		WalkingMinutes: geo.WalkingTimeMinutes(bestDist, walkingSpeedKmh),
	}, true
}

// snapshot is immutable once published; the memo is the only part that
// fills in afterwards and gcache does its own locking.
type snapshot struct {
	byID     map[int64]transit.Station
	ordered  []transit.Station // ascending id
	lines    gcache.Cache      // canonical line key -> map[int64]struct{}
	loadedAt time.Time
}

type Options struct {
	PageSize int
	MemoSize int
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Index serves station lookups from a snapshot that Refresh replaces
// wholesale. Readers never see a partially built snapshot.
type Index struct {
	src      Source
	pageSize int
	memoSize int
	logger   *slog.Logger
	metrics  *metrics.Collector

	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex
}

func NewIndex(src Source, opts Options) *Index {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = defaultMemoSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	idx := &Index{
		src:      src,
		pageSize: opts.PageSize,
		memoSize: opts.MemoSize,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	idx.snap.Store(idx.newSnapshot(nil))
	return idx
}

func (idx *Index) newSnapshot(stations []transit.Station) *snapshot {
	s := &snapshot{
		byID:     make(map[int64]transit.Station, len(stations)),
		lines:    gcache.New(idx.memoSize).LRU().Build(),
		loadedAt: time.Now(),
	}
	for _, st := range stations {
		s.byID[st.ID] = st
	}
	s.ordered = make([]transit.Station, 0, len(s.byID))
	for _, st := range s.byID {
		s.ordered = append(s.ordered, st)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].ID < s.ordered[j].ID })
	return s
}

// Refresh loads every station and swaps in a new snapshot with an empty
// line memo. Concurrent refreshes are serialized.
func (idx *Index) Refresh(ctx context.Context) (int, error) {
	idx.refreshMu.Lock()
	defer idx.refreshMu.Unlock()

	var all []transit.Station
	for offset := 0; ; offset += idx.pageSize {
		page, err := idx.src.ListStations(ctx, offset, idx.pageSize)
		if err != nil {
			if idx.metrics != nil {
				idx.metrics.IndexRefreshes.WithLabelValues("error").Inc()
			}
			return 0, fmt.Errorf("load stations: %w", err)
		}
		all = append(all, page...)
		if len(page) < idx.pageSize {
			break
		}
	}

	next := idx.newSnapshot(all)
	idx.snap.Store(next)
	if idx.metrics != nil {
		idx.metrics.IndexRefreshes.WithLabelValues("ok").Inc()
		idx.metrics.StationsLoaded.Set(float64(len(next.ordered)))
	}
	idx.logger.Info("station index refreshed", slog.Int("stations", len(next.ordered)))
	return len(next.ordered), nil
}

// Run refreshes the index every interval until ctx is done. Failures keep
// the previous snapshot.
func (idx *Index) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := idx.Refresh(ctx); err != nil {
				idx.logger.Warn("station index refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Station returns a station from the current snapshot.
func (idx *Index) Station(id int64) (transit.Station, bool) {
	st, ok := idx.snap.Load().byID[id]
	return st, ok
}

// Stations returns every station in ascending id order. The slice is
// shared with the snapshot and must not be modified.
func (idx *Index) Stations() []transit.Station {
	return idx.snap.Load().ordered
}

func (idx *Index) LoadedAt() time.Time {
	return idx.snap.Load().loadedAt
}

// LineKey canonicalizes a set of line numbers so argument order and
// duplicates map to the same memo entry.
func LineKey(lines []string) string {
	seen := make(map[string]struct{}, len(lines))
	uniq := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if _, dup := seen[l]; dup || l == "" {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}

// StationsForLines returns the ids of every station visited by a trip of
// any of the lines. The result is memoized and must be treated as read-only.
func (idx *Index) StationsForLines(ctx context.Context, lines []string) (map[int64]struct{}, error) {
	snap := idx.snap.Load()
	key := LineKey(lines)
	if v, err := snap.lines.Get(key); err == nil {
		return v.(map[int64]struct{}), nil
	}

	ids := make(map[int64]struct{})
	if key != "" {
		for _, line := range strings.Split(key, ",") {
			if err := idx.collectLine(ctx, line, ids); err != nil {
				return nil, err
			}
		}
	}
	if err := snap.lines.Set(key, ids); err != nil {
		idx.logger.Warn("line memo set failed", slog.String("key", key), slog.Any("error", err))
	}
	return ids, nil
}

func (idx *Index) collectLine(ctx context.Context, line string, ids map[int64]struct{}) error {
	for offset := 0; ; offset += idx.pageSize {
		page, n, err := idx.src.ListTrips(ctx, line, offset, idx.pageSize)
		if err != nil {
			return fmt.Errorf("list trips for line %s: %w", line, err)
		}
		for _, t := range page {
			for _, s := range t.Stops {
				ids[s.StationID] = struct{}{}
			}
		}
		if n < idx.pageSize {
			return nil
		}
	}
}

// StationsForLine returns the known stations served by line in ascending
// id order.
func (idx *Index) StationsForLine(ctx context.Context, line string) ([]transit.Station, error) {
	ids, err := idx.StationsForLines(ctx, []string{line})
	if err != nil {
		return nil, err
	}
	return idx.filter(ids), nil
}

func (idx *Index) filter(ids map[int64]struct{}) []transit.Station {
	ordered := idx.snap.Load().ordered
	out := make([]transit.Station, 0, len(ids))
	for _, st := range ordered {
		if _, ok := ids[st.ID]; ok {
			out = append(out, st)
		}
	}
	return out
}
