package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/db"
	"bus-tracker/internal/planner"
	"bus-tracker/internal/stations"
	"bus-tracker/internal/transit"
)

func at(h, m int) time.Time {
	return time.Date(2025, 10, 3, h, m, 0, 0, time.UTC)
}

type fixture struct {
	store  *db.MemoryStore
	index  *stations.Index
	server *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryStore()
	require.NoError(t, store.InsertStations(ctx, []transit.Station{
		{ID: 1, Name: "Jarzębiny", Latitude: 50.0, Longitude: 20.0},
		{ID: 2, Name: "Darwina", Latitude: 50.0, Longitude: 20.01},
	}))
	require.NoError(t, store.InsertTrips(ctx, []transit.TripInstance{{
		ID:         10,
		LineNumber: "2",
		Stops: []transit.Stop{
			{StationID: 1, ScheduledDeparture: at(10, 0), ScheduledArrival: at(10, 0)},
			{StationID: 2, ScheduledDeparture: at(10, 5), ScheduledArrival: at(10, 5)},
		},
	}}))

	idx := stations.NewIndex(store, stations.Options{})
	_, err := idx.Refresh(ctx)
	require.NoError(t, err)
	p := planner.New(store, idx, planner.Config{Lines: []string{"2"}, Location: time.UTC}, nil, nil)
	srv := NewServer(p, idx, opts)
	t.Cleanup(srv.limiter.Stop)
	return &fixture{store: store, index: idx, server: srv}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func journeyBody(departure string) string {
	return fmt.Sprintf(`{"start_latitude":50.0,"start_longitude":20.0,"destination_latitude":50.0,"destination_longitude":20.01,"departure_time":%q}`, departure)
}

func TestPlanJourney(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/api/plan-journey", journeyBody("2025-10-03T09:50:00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2", got["line_number"])
	assert.Equal(t, float64(10), got["trip_id"])
	assert.Equal(t, "Jarzębiny", got["departure_station"].(map[string]any)["station_name"])
	assert.Nil(t, got["bus_departure_time_actual"])
	assert.InDelta(t, 10.0, got["total_waiting_time_minutes"], 1e-6)
	assert.Len(t, got["bus_stations"], 2)
}

func TestPlanJourney_Errors(t *testing.T) {
	f := newFixture(t, Options{})

	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{"start_latitude":`, http.StatusBadRequest},
		{"bad time", journeyBody("tomorrow"), http.StatusBadRequest},
		{"out of range", `{"start_latitude":95,"start_longitude":0,"destination_latitude":0,"destination_longitude":0,"departure_time":"2025-10-03T09:00:00"}`, http.StatusBadRequest},
		{"missed the bus", journeyBody("2025-10-03T10:01:00"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/plan-journey", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Error)
			assert.NotEmpty(t, e.RequestID)
		})
	}
}

func TestClosestStation(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodGet, "/api/closest-station?latitude=50.0&longitude=20.009", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ClosestStationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.Station.ID)
	assert.Positive(t, got.DistanceKm)
	assert.Positive(t, got.WalkingTimeMinutes)

	rec = f.do(t, http.MethodGet, "/api/closest-station?latitude=abc&longitude=20", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshStations(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.InsertStations(context.Background(), []transit.Station{{ID: 3, Name: "Cienista", Latitude: 50.1, Longitude: 20.1}}))

	rec := f.do(t, http.MethodPost, "/api/admin/stations/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Stations)
	_, ok := f.index.Station(3)
	assert.True(t, ok)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f := newFixture(t, Options{})
		rec := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "ok", got.Status)
		assert.Equal(t, 2, got.Stations)
	})

	t.Run("store down", func(t *testing.T) {
		f := newFixture(t, Options{HealthCheck: func(context.Context) error { return errors.New("connection refused") }})
		rec := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var got HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "disconnected", got.Store)
		assert.Equal(t, "connection refused", got.Error)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", planner.ErrInvalidInput)))
	assert.Equal(t, http.StatusNotFound, statusFor(planner.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("%w from here", planner.ErrNoRoute)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("list: %w: %w", planner.ErrTransient, errors.New("eof"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Regexp(t, `^[0-9a-f-]{36}$`, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "bad id with spaces")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id with spaces", rec.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPS: 1})

	first := f.do(t, http.MethodGet, "/api/closest-station?latitude=50&longitude=20", "")
	assert.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodGet, "/api/closest-station?latitude=50&longitude=20", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Health is outside the limited group.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
}

func TestListenAndServe_StopsLimiterOnBindFailure(t *testing.T) {
	f := newFixture(t, Options{RateLimitRPS: 5})

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	err = f.server.ListenAndServe(context.Background(), busy.Addr().String())
	require.Error(t, err)

	select {
	case <-f.server.limiter.stop:
	default:
		t.Fatal("rate limiter cleanup still running after ListenAndServe returned")
	}
}

func TestListenAndServe_StopsLimiterOnShutdown(t *testing.T) {
	f := newFixture(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.server.ListenAndServe(ctx, "127.0.0.1:0"))

	select {
	case <-f.server.limiter.stop:
	default:
		t.Fatal("rate limiter cleanup still running after shutdown")
	}
}
