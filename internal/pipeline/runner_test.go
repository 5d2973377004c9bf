package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/network"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

type constantWindows struct{}

func (constantWindows) TravelWindow(context.Context, models.Coordinates, models.Coordinates) (network.TravelWindow, bool, error) {
	return network.TravelWindow{Min: 200, Value: 500, Max: 800}, true, nil
}

type recordingSink struct {
	name  string
	err   error
	seen  []int64
	edges []int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, t network.Topology) error {
	s.seen = append(s.seen, t.Timestamp)
	s.edges = append(s.edges, len(t.Edges))
	return s.err
}

type recordingObserver struct {
	steps []network.StepStats
	fails map[string]int
}

func (o *recordingObserver) ObserveStep(s network.StepStats, _ time.Duration) {
	o.steps = append(o.steps, s)
}

func (o *recordingObserver) SinkErrorInc(sink string) {
	if o.fails == nil {
		o.fails = make(map[string]int)
	}
	o.fails[sink]++
}

func snap(ts int64, bikesA, bikesB int) models.Snapshot {
	return models.Snapshot{Timestamp: ts, Stations: []models.StationReading{
		{ID: 1, Bikes: bikesA, Slots: 10, Status: "OPN", Lat: 41.38, Lon: 2.17},
		{ID: 2, Bikes: bikesB, Slots: 10, Status: "OPN", Lat: 41.39, Lon: 2.18},
	}}
}

func newEngine(t *testing.T, snaps ...models.Snapshot) *network.Engine {
	t.Helper()
	e, err := network.NewEngine(snaps, constantWindows{}, network.DefaultOptions())
	require.NoError(t, err)
	return e
}

func TestRunnerFansOutToSinks(t *testing.T) {
	engine := newEngine(t, snap(0, 5, 3), snap(300, 4, 3), snap(900, 4, 4))
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("unavailable")}
	obs := &recordingObserver{}

	r := NewRunner(engine, logger.Nop(), WithSinks(good, bad), WithObserver(obs), WithSinkErrorCounter(obs))
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 300, 900}, good.seen)
	assert.Equal(t, []int{0, 0, 1}, good.edges)
	assert.Equal(t, []int64{0, 300, 900}, bad.seen)
	assert.Len(t, obs.steps, 3)
	assert.Equal(t, 3, obs.fails["bad"])

	assert.Equal(t, 3, summary.Snapshots)
	assert.Equal(t, int64(0), summary.FirstTimestamp)
	assert.Equal(t, int64(900), summary.LastTimestamp)
	assert.Equal(t, 2, summary.Nodes)
	assert.Equal(t, 1, summary.Edges)
	assert.Equal(t, 1, summary.Departures)
	assert.Equal(t, 1, summary.Arrivals)
	assert.Equal(t, 1, summary.EdgesCreated)
	assert.Equal(t, map[string]int{"bad": 3}, summary.SinkErrors)

	fields := summary.Fields()
	assert.Equal(t, 3, fields["snapshots"])
	assert.Equal(t, 3, fields["sink_errors_bad"])
}

func TestRunnerStopsOnCancel(t *testing.T) {
	engine := newEngine(t, snap(0, 5, 3), snap(300, 4, 3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := NewRunner(engine, logger.Nop()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Snapshots)
}

func TestRunnerRerunStartsFresh(t *testing.T) {
	engine := newEngine(t, snap(0, 5, 3), snap(300, 4, 3), snap(900, 4, 4))
	sink := &recordingSink{name: "s"}
	r := NewRunner(engine, logger.Nop(), WithSinks(sink))

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	second, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, first.EdgesCreated, second.EdgesCreated)
	assert.Len(t, sink.seen, 6)
}
