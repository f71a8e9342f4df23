package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	RequestIDKey    contextKey = "request_id"
	RequestIDHeader            = "X-Request-ID"
)

var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9-._:]+$`)

// RequestID keeps a caller-supplied X-Request-ID when it looks sane and
// generates one otherwise.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 || !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if rec.status >= 500 {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("component", "http_server"))
		})
	}
}

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter applies a token bucket per client address. A non-positive
// rate disables limiting.
type RateLimiter struct {
	mu       sync.RWMutex
	clients  map[string]*rateClient
	limit    rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(perSecond float64) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*rateClient),
		limit:   rate.Inf,
		idle:    10 * time.Minute,
		stop:    make(chan struct{}),
	}
	if perSecond > 0 {
		rl.limit = rate.Limit(perSecond)
		rl.burst = max(1, int(perSecond))
	}
	go rl.cleanup(5 * time.Minute)
	return rl
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()
	rl.mu.RLock()
	c, ok := rl.clients[key]
	rl.mu.RUnlock()
	if ok {
		c.lastSeen.Store(now)
		return c.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if c, ok := rl.clients[key]; ok {
		c.lastSeen.Store(now)
		return c.limiter
	}
	c = &rateClient{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	c.lastSeen.Store(now)
	rl.clients[key] = c
	return c.limiter
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit == rate.Inf {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.get(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(1/float64(rl.limit)))))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.idle).UnixNano()
			rl.mu.Lock()
			for k, c := range rl.clients {
				if c.lastSeen.Load() < cutoff {
					delete(rl.clients, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
