package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/network"
	"github.com/bicingtrips-data/internal/traveltime"
)

func TestCollectorObserveStep(t *testing.T) {
	c := NewCollector(logger.Nop())
	c.ObserveStep(network.StepStats{Timestamp: 900, Departures: 2, Arrivals: 1, Created: 1, Removed: 2, Pending: 3, MissingWindows: 4}, 5*time.Millisecond)
	c.ObserveStep(network.StepStats{Timestamp: 960, Matched: 1, Pending: 1}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Snapshots))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Departures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EdgeChanges.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EdgeChanges.WithLabelValues("matched")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.EdgeChanges.WithLabelValues("removed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.MissingWindows))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PendingDepartures))
	assert.Equal(t, 960.0, testutil.ToFloat64(c.LastTimestamp))
}

func TestCollectorObserveEstimatorAddsDeltas(t *testing.T) {
	c := NewCollector(logger.Nop())
	c.ObserveEstimator(traveltime.Stats{Remote: 3, Fallback: 1})
	c.ObserveEstimator(traveltime.Stats{Remote: 5, Fallback: 1, MemoryHits: 2})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.EstimatorLookups.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EstimatorLookups.WithLabelValues("fallback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.EstimatorLookups.WithLabelValues("memory")))
}

func TestCollectorWriteAndHandler(t *testing.T) {
	c := NewCollector(logger.Nop())
	topo := network.Topology{
		Nodes: []network.NodeTopology{{ID: 1}, {ID: 2}},
		Edges: []network.EdgeTopology{{Origin: 1, Destination: 2}},
	}
	require.NoError(t, c.Write(context.Background(), topo))
	c.SinkErrorInc("nats")
	c.NATSSetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Nodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Edges))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bicingtrips_edges 1")
	assert.Contains(t, string(body), `bicingtrips_sink_errors_total{sink="nats"} 1`)
}
