package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bus-tracker/internal/planner"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type ClosestStationResponse struct {
	Station            planner.StationInfo `json:"station"`
	DistanceKm         float64             `json:"distance_km"`
	WalkingTimeMinutes float64             `json:"walking_time_minutes"`
}

type RefreshResponse struct {
	Stations int       `json:"stations"`
	LoadedAt time.Time `json:"loaded_at"`
}

type HealthResponse struct {
	Status         string    `json:"status"`
	Store          string    `json:"store"`
	Stations       int       `json:"stations"`
	StationsLoaded time.Time `json:"stations_loaded_at"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: GetRequestID(r.Context())})
}

// statusFor maps planner outcomes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, planner.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, planner.ErrNotFound), errors.Is(err, planner.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, planner.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		if errors.Is(err, planner.ErrNoRoute) {
			msg = planner.ErrNoRoute.Error()
		} else {
			msg = planner.ErrNotFound.Error()
		}
	case http.StatusServiceUnavailable:
		msg = "schedule temporarily unavailable"
	case http.StatusInternalServerError:
		msg = "internal server error"
	}
	if status >= 500 {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", GetRequestID(r.Context())),
			slog.Any("error", err))
	}
	writeError(w, r, status, msg)
}

// planJourney handles POST /api/plan-journey.
func (s *Server) planJourney(w http.ResponseWriter, r *http.Request) {
	var req planner.JourneyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SearchTimeout)
	defer cancel()
	journey, err := s.planner.PlanJourney(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, journey)
}

// closestStation handles GET /api/closest-station?latitude=&longitude=.
func (s *Server) closestStation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("latitude"), 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "latitude must be a number")
		return
	}
	lon, err := strconv.ParseFloat(q.Get("longitude"), 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "longitude must be a number")
		return
	}

	m, err := s.planner.ClosestStation(r.Context(), lat, lon)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClosestStationResponse{
		Station: planner.StationInfo{
			ID:        m.Station.ID,
			Name:      m.Station.Name,
			Latitude:  m.Station.Latitude,
			Longitude: m.Station.Longitude,
		},
		DistanceKm:         m.DistanceKm,
		WalkingTimeMinutes: m.WalkingMinutes,
	})
}

// refreshStations handles POST /api/admin/stations/refresh.
func (s *Server) refreshStations(w http.ResponseWriter, r *http.Request) {
	n, err := s.index.Refresh(r.Context())
	if err != nil {
		s.logger.Error("station refresh failed", slog.Any("error", err))
		writeError(w, r, http.StatusServiceUnavailable, "station refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Stations: n, LoadedAt: s.index.LoadedAt()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Store:          "connected",
		Stations:       len(s.index.Stations()),
		StationsLoaded: s.index.LoadedAt(),
		Timestamp:      time.Now().UTC(),
	}
	if s.opts.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.HealthCheck(ctx); err != nil {
			resp.Status = "error"
			resp.Store = "disconnected"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
