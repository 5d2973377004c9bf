package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/network"
	"github.com/bicingtrips-data/internal/traveltime"
)

type Collector struct {
	reg    *prometheus.Registry
	logger logger.Logger

	Nodes             prometheus.Gauge
	Edges             prometheus.Gauge
	PendingDepartures prometheus.Gauge
	LastTimestamp     prometheus.Gauge

	Snapshots      prometheus.Counter
	Departures     prometheus.Counter
	Arrivals       prometheus.Counter
	EdgeChanges    *prometheus.CounterVec // change label: created|matched|decayed|removed
	MissingWindows prometheus.Counter
	SinkErrors     *prometheus.CounterVec // sink label

	EstimatorLookups *prometheus.CounterVec // source label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	StepDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	mu            sync.Mutex
	lastEstimator traveltime.Stats
}

func NewCollector(log logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg:    reg,
		logger: log,
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bicingtrips_nodes",
			Help: "Stations currently in the graph.",
		}),
		Edges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bicingtrips_edges",
			Help: "Trip edges currently in the graph.",
		}),
		PendingDepartures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bicingtrips_pending_departures",
			Help: "Departures waiting for a matching arrival.",
		}),
		LastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bicingtrips_last_snapshot_timestamp_seconds",
			Help: "Timestamp of the last processed snapshot.",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_snapshots_processed_total",
			Help: "Snapshots processed.",
		}),
		Departures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_departures_total",
			Help: "Bike count decreases observed.",
		}),
		Arrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_arrivals_total",
			Help: "Bike count increases observed.",
		}),
		EdgeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bicingtrips_edge_changes_total",
			Help: "Edge updates by kind.",
		}, []string{"change"}),
		MissingWindows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_missing_windows_total",
			Help: "Candidate comparisons skipped for lack of a travel window.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bicingtrips_sink_errors_total",
			Help: "Topology sink write failures.",
		}, []string{"sink"}),
		EstimatorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bicingtrips_estimator_lookups_total",
			Help: "Travel time lookups by the source that answered them.",
		}, []string{"source"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bicingtrips_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bicingtrips_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bicingtrips_step_duration_seconds",
			Help:    "Time to process one snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bicingtrips_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Nodes, c.Edges, c.PendingDepartures, c.LastTimestamp,
		c.Snapshots, c.Departures, c.Arrivals, c.EdgeChanges, c.MissingWindows, c.SinkErrors,
		c.EstimatorLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.StepDuration, c.PublishDuration,
	)
	return c
}

// ObserveStep records one processed snapshot.
func (c *Collector) ObserveStep(s network.StepStats, d time.Duration) {
	c.Snapshots.Inc()
	c.Departures.Add(float64(s.Departures))
	c.Arrivals.Add(float64(s.Arrivals))
	c.EdgeChanges.WithLabelValues("created").Add(float64(s.Created))
	c.EdgeChanges.WithLabelValues("matched").Add(float64(s.Matched))
	c.EdgeChanges.WithLabelValues("decayed").Add(float64(s.Decayed))
	c.EdgeChanges.WithLabelValues("removed").Add(float64(s.Removed))
	c.MissingWindows.Add(float64(s.MissingWindows))
	c.PendingDepartures.Set(float64(s.Pending))
	c.LastTimestamp.Set(float64(s.Timestamp))
	c.StepDuration.Observe(d.Seconds())
}

// ObserveEstimator adds the lookups made since the previous call.
func (c *Collector) ObserveEstimator(s traveltime.Stats) {
	c.mu.Lock()
	prev := c.lastEstimator
	c.lastEstimator = s
	c.mu.Unlock()

	add := func(source string, now, before int64) {
		if now > before {
			c.EstimatorLookups.WithLabelValues(source).Add(float64(now - before))
		}
	}
	add("memory", s.MemoryHits, prev.MemoryHits)
	add("store", s.StoreHits, prev.StoreHits)
	add("remote", s.Remote, prev.Remote)
	add("fallback", s.Fallback, prev.Fallback)
	add("no_route", s.NoRoute, prev.NoRoute)
	add("failure", s.Failures, prev.Failures)
}

func (c *Collector) SinkErrorInc(sink string) { c.SinkErrors.WithLabelValues(sink).Inc() }

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

// Name identifies the collector when used as a topology sink.
func (c *Collector) Name() string { return "metrics" }

// Write updates the graph size gauges from a topology.
func (c *Collector) Write(_ context.Context, t network.Topology) error {
	c.Nodes.Set(float64(len(t.Nodes)))
	c.Edges.Set(float64(len(t.Edges)))
	return nil
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server error", "error", err)
		}
	}()
	c.logger.Info("Metrics listening", "addr", addr)
	return srv
}
