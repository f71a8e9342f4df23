package metrics

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Ticks         prometheus.Counter
	TicksSkipped  prometheus.Counter
	TickPanics    prometheus.Counter
	TickDuration  prometheus.Histogram
	StopsResolved prometheus.Counter
	TripsUpdated  prometheus.Counter
	TripsComplete prometheus.Counter
	UpdateErrors  prometheus.Counter

	Searches       *prometheus.CounterVec // outcome label: found|no_route|not_found|invalid|error
	SearchDuration prometheus.Histogram
	TripsScanned   prometheus.Histogram

	StationsLoaded prometheus.Gauge
	IndexRefreshes *prometheus.CounterVec // result label: ok|error

	Reports *prometheus.CounterVec // result label: verified|rejected|skipped|error

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	TickInterval prometheus.Gauge // seconds
	Workers      prometheus.Gauge
}

func NewCollector(tickInterval time.Duration, workers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_ticks_total",
			Help: "Total simulator ticks run to completion.",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running.",
		}),
		TickPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_tick_panics_total",
			Help: "Ticks aborted by a recovered panic.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_sim_tick_duration_seconds",
			Help:    "Duration of a full simulator tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		StopsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_stops_resolved_total",
			Help: "Stops that received actual departure and arrival times.",
		}),
		TripsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_trips_updated_total",
			Help: "Trip writes issued by the simulator.",
		}),
		TripsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_trips_completed_total",
			Help: "Trips moved to the complete state.",
		}),
		UpdateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sim_update_errors_total",
			Help: "Trip writes that failed.",
		}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_journey_searches_total",
			Help: "Journey searches by outcome.",
		}, []string{"outcome"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_journey_search_duration_seconds",
			Help:    "Duration of a journey search including historical delay.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		TripsScanned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_journey_trips_scanned",
			Help:    "Trips visited per single-line search.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		StationsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_stations_loaded",
			Help: "Stations in the current index snapshot.",
		}),
		IndexRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_station_index_refreshes_total",
			Help: "Station index refreshes by result.",
		}, []string{"result"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_processed_total",
			Help: "Delay reports processed by the verifier.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sim_tick_interval_seconds",
			Help: "Simulator tick interval in seconds.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sim_workers",
			Help: "Trips processed concurrently within a tick.",
		}),
	}

	reg.MustRegister(
		c.Ticks, c.TicksSkipped, c.TickPanics, c.TickDuration,
		c.StopsResolved, c.TripsUpdated, c.TripsComplete, c.UpdateErrors,
		c.Searches, c.SearchDuration, c.TripsScanned,
		c.StationsLoaded, c.IndexRefreshes, c.Reports,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.TickInterval, c.Workers,
		collectors.NewGoCollector(),
	)

	c.TickInterval.Set(tickInterval.Seconds())
	c.Workers.Set(float64(workers))

	return c
}

// WatchDB registers connection pool statistics for the schedule store.
func (c *Collector) WatchDB(db *sql.DB, name string) {
	c.reg.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()
	slog.Info("metrics listening", slog.String("addr", addr))
	return srv
}
