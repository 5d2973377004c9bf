package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

const (
	stationA = 1
	stationB = 2
	stationC = 3
)

func snapshot(ts int64, readings ...models.StationReading) models.Snapshot {
	return models.Snapshot{Timestamp: ts, Stations: readings}
}

func ab(ts int64, bikesA, bikesB int) models.Snapshot {
	return snapshot(ts, reading(stationA, bikesA, 41.38, 2.17), reading(stationB, bikesB, 41.39, 2.18))
}

func newTestEngine(t *testing.T, snaps []models.Snapshot, provider WindowProvider) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Workers = 2
	opts.Logger = logger.Nop()
	e, err := NewEngine(snaps, provider, opts)
	require.NoError(t, err)
	return e
}

func runAll(t *testing.T, e *Engine) []int64 {
	t.Helper()
	var seen []int64
	for ts, err := range e.Timestamps(context.Background()) {
		require.NoError(t, err)
		seen = append(seen, ts)
		assertEdgeInvariants(t, e.Store())
	}
	return seen
}

func assertEdgeInvariants(t *testing.T, s *Store) {
	t.Helper()
	for _, k := range s.EdgeKeys() {
		edge, _ := s.Edge(k.A, k.B)
		assert.Positive(t, edge.W15.Sum(), "edge %v", k)
		assert.LessOrEqual(t, edge.W1.Len(), ShortWindow)
		assert.LessOrEqual(t, edge.W5.Len(), MediumWindow)
		assert.LessOrEqual(t, edge.W15.Len(), LongWindow)
	}
}

var scenarioWindow = &fixedProvider{window: TravelWindow{Min: 200, Value: 500, Max: 800}}

func TestEngineInfersTrip(t *testing.T) {
	e := newTestEngine(t, []models.Snapshot{
		ab(900, 4, 4),
		ab(0, 5, 3),
		ab(300, 4, 3),
	}, scenarioWindow)

	assert.Equal(t, []int64{0, 300, 900}, runAll(t, e))

	edge, ok := e.Store().Edge(stationA, stationB)
	require.True(t, ok)
	assert.Equal(t, stationA, edge.Origin)
	assert.Equal(t, stationB, edge.Destination)
	assert.Equal(t, []int{1}, edge.W1.Values())
	assert.Equal(t, []int{1}, edge.W5.Values())
	assert.Equal(t, []int{1}, edge.W15.Values())

	step := e.LastStep()
	assert.Equal(t, 1, step.Arrivals)
	assert.Equal(t, 1, step.Created)

	topo := e.Topology()
	assert.Equal(t, int64(900), topo.Timestamp)
	require.Len(t, topo.Nodes, 2)
	assert.Equal(t, NodeTopology{ID: stationA, Position: Position{X: 41.38, Y: -2.17}, Bikes: 4, Slots: 20, Status: "OPN"}, topo.Nodes[0])
	require.Len(t, topo.Edges, 1)
	assert.Equal(t, EdgeTopology{Origin: stationA, Destination: stationB, W1: []int{1}, W5: []int{1}, W15: []int{1}}, topo.Edges[0])
}

func TestEngineRemovesEdgeAfterFifteenMisses(t *testing.T) {
	snaps := []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4)}
	for i := int64(1); i <= 15; i++ {
		snaps = append(snaps, ab(900+i*60, 4, 4))
	}
	e := newTestEngine(t, snaps, scenarioWindow)

	step := 0
	for ts, err := range e.Timestamps(context.Background()) {
		require.NoError(t, err)
		step++
		switch {
		case ts == 900:
			assert.True(t, e.Store().HasEdge(stationA, stationB))
		case ts > 900 && ts < 900+15*60:
			require.True(t, e.Store().HasEdge(stationA, stationB), "still present at t=%d", ts)
			edge, _ := e.Store().Edge(stationA, stationB)
			assert.Equal(t, []int{0}, edge.W1.Values())
		case ts == 900+15*60:
			assert.False(t, e.Store().HasEdge(stationA, stationB))
			assert.Equal(t, 1, e.LastStep().Removed)
		}
	}
	assert.Equal(t, len(snaps), step)
}

func TestEngineIgnoresStaleDepartures(t *testing.T) {
	wide := &fixedProvider{window: TravelWindow{Min: 0, Value: 1, Max: 1e9}}

	for _, arrival := range []int64{300 + 2100, 300 + 2101, 300 + 5000} {
		e := newTestEngine(t, []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(arrival, 4, 4)}, wide)
		runAll(t, e)
		assert.Zero(t, e.Store().EdgeCount(), "arrival at t=%d", arrival)
		assert.Zero(t, e.Queue().Len())
	}
}

func TestEngineNoChangeSnapshotOnlyDecays(t *testing.T) {
	e := newTestEngine(t, []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4), ab(960, 4, 4)}, scenarioWindow)
	runAll(t, e)

	edge, ok := e.Store().Edge(stationA, stationB)
	require.True(t, ok)
	assert.Equal(t, []int{0}, edge.W1.Values())
	assert.Equal(t, []int{1, 0}, edge.W5.Values())
	assert.Equal(t, []int{1, 0}, edge.W15.Values())

	step := e.LastStep()
	assert.Zero(t, step.Departures)
	assert.Zero(t, step.Arrivals)
	assert.Equal(t, 1, step.Decayed)
}

func TestEngineDepartureCreditsSeveralDestinations(t *testing.T) {
	c := func(bikes int) models.StationReading { return reading(stationC, bikes, 41.40, 2.19) }
	snaps := []models.Snapshot{
		snapshot(0, reading(stationA, 5, 41.38, 2.17), reading(stationB, 3, 41.39, 2.18), c(0)),
		snapshot(300, reading(stationA, 4, 41.38, 2.17), reading(stationB, 3, 41.39, 2.18), c(0)),
		snapshot(700, reading(stationA, 4, 41.38, 2.17), reading(stationB, 4, 41.39, 2.18), c(1)),
	}
	e := newTestEngine(t, snaps, scenarioWindow)
	runAll(t, e)

	assert.True(t, e.Store().HasEdge(stationA, stationB))
	assert.True(t, e.Store().HasEdge(stationA, stationC))
	assert.False(t, e.Store().HasEdge(stationB, stationC))
	assert.Equal(t, 1, e.Queue().Len())
	assert.Equal(t, 2, e.LastStep().Created)
}

func TestEngineMatchesExistingEdgeWithoutDuplicating(t *testing.T) {
	snaps := []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4), ab(1000, 4, 5)}
	e := newTestEngine(t, snaps, scenarioWindow)
	runAll(t, e)

	assert.Equal(t, 1, e.Store().EdgeCount())
	edge, _ := e.Store().Edge(stationA, stationB)
	assert.Equal(t, []int{1, 1}, edge.W15.Values())
	assert.Equal(t, 1, e.LastStep().Matched)
	assert.Zero(t, e.LastStep().Created)
}

func TestEngineSkipsPairsWithoutWindow(t *testing.T) {
	provider := &fixedProvider{
		window: TravelWindow{Min: 0, Value: 1, Max: 1e9},
		absent: map[models.Coordinates]bool{{Lat: 41.39, Lon: 2.18}: true},
	}
	e := newTestEngine(t, []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4)}, provider)
	runAll(t, e)

	assert.Zero(t, e.Store().EdgeCount())
	assert.Equal(t, 1, e.LastStep().MissingWindows)
}

type bikeEstimatorFunc func(ctx context.Context, origin, destination models.Coordinates) (*models.BikeEstimate, error)

func (f bikeEstimatorFunc) EstimateBikeDuration(ctx context.Context, origin, destination models.Coordinates) (*models.BikeEstimate, error) {
	return f(ctx, origin, destination)
}

func TestEngineWithUnavailableEstimator(t *testing.T) {
	provider := EstimatorWindows{Estimator: bikeEstimatorFunc(func(context.Context, models.Coordinates, models.Coordinates) (*models.BikeEstimate, error) {
		return nil, errors.New("service down")
	})}
	e := newTestEngine(t, []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4)}, provider)
	runAll(t, e)

	assert.Equal(t, 2, e.Store().NodeCount())
	assert.Zero(t, e.Store().EdgeCount())
}

func TestEstimatorWindows(t *testing.T) {
	provider := EstimatorWindows{Estimator: bikeEstimatorFunc(func(context.Context, models.Coordinates, models.Coordinates) (*models.BikeEstimate, error) {
		return &models.BikeEstimate{Duration: models.DurationRange{Min: 200, Value: 250, Max: 300}}, nil
	})}
	w, ok, err := provider.TravelWindow(context.Background(), models.Coordinates{}, models.Coordinates{Lat: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TravelWindow{Min: 200, Value: 250, Max: 300}, w)

	absent := EstimatorWindows{Estimator: bikeEstimatorFunc(func(context.Context, models.Coordinates, models.Coordinates) (*models.BikeEstimate, error) {
		return nil, nil
	})}
	_, ok, err = absent.TravelWindow(context.Background(), models.Coordinates{}, models.Coordinates{Lat: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	inverted := EstimatorWindows{Estimator: bikeEstimatorFunc(func(context.Context, models.Coordinates, models.Coordinates) (*models.BikeEstimate, error) {
		return &models.BikeEstimate{Duration: models.DurationRange{Min: 300, Value: 250, Max: 200}}, nil
	})}
	_, _, err = inverted.TravelWindow(context.Background(), models.Coordinates{}, models.Coordinates{Lat: 1})
	assert.Error(t, err)
}

func TestNewEngineRejectsMalformedSnapshot(t *testing.T) {
	dup := snapshot(600, reading(stationA, 1, 41.38, 2.17), reading(stationA, 2, 41.38, 2.17))
	_, err := NewEngine([]models.Snapshot{ab(0, 5, 3), dup}, scenarioWindow, DefaultOptions())

	var malformed *models.MalformedInputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Snapshot)
	assert.Equal(t, int64(600), malformed.Timestamp)
	assert.Equal(t, stationA, malformed.Station)

	negative := snapshot(600, reading(stationB, -1, 41.39, 2.18))
	_, err = NewEngine([]models.Snapshot{negative}, scenarioWindow, DefaultOptions())
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "bikes", malformed.Field)
}

func TestProcessLeavesGraphUntouchedOnBadInput(t *testing.T) {
	e := newTestEngine(t, nil, scenarioWindow)
	ctx := context.Background()

	_, err := e.Process(ctx, ab(0, 5, 3))
	require.NoError(t, err)

	bad := snapshot(300, reading(stationA, 4, 41.38, 2.17), reading(stationB, -2, 41.39, 2.18))
	_, err = e.Process(ctx, bad)
	var malformed *models.MalformedInputError
	require.ErrorAs(t, err, &malformed)

	node, _ := e.Store().Node(stationA)
	assert.Equal(t, 5, node.Bikes)
	assert.Zero(t, e.Queue().Len())

	_, err = e.Process(ctx, ab(-10, 5, 3))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestTimestampsRestartAndEarlyStop(t *testing.T) {
	snaps := []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3), ab(900, 4, 4), ab(960, 4, 4)}
	e := newTestEngine(t, snaps, scenarioWindow)
	ctx := context.Background()

	for ts, err := range e.Timestamps(ctx) {
		require.NoError(t, err)
		if ts == 300 {
			break
		}
	}
	assert.Zero(t, e.Store().EdgeCount())
	assert.Equal(t, 1, e.Queue().Len())

	first := runAll(t, e)
	topoFirst := e.Topology()
	second := runAll(t, e)
	assert.Equal(t, first, second)
	assert.Equal(t, topoFirst, e.Topology())
}

func TestTimestampsStopsOnCancelledContext(t *testing.T) {
	e := newTestEngine(t, []models.Snapshot{ab(0, 5, 3), ab(300, 4, 3)}, scenarioWindow)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range e.Timestamps(ctx) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

type cancellingProvider struct {
	window  TravelWindow
	trigger models.Coordinates
	cancel  context.CancelFunc
}

func (p *cancellingProvider) TravelWindow(ctx context.Context, from, to models.Coordinates) (TravelWindow, bool, error) {
	if p.cancel != nil && (from == p.trigger || to == p.trigger) {
		p.cancel()
		return TravelWindow{}, false, ctx.Err()
	}
	return p.window, true, nil
}

func TestProcessCancelledDuringNodeCreationKeepsCounts(t *testing.T) {
	stationCReading := reading(stationC, 6, 41.40, 2.19)
	provider := &cancellingProvider{window: scenarioWindow.window, trigger: stationCReading.Coordinates()}
	e := newTestEngine(t, nil, provider)

	_, err := e.Process(context.Background(), ab(0, 5, 3))
	require.NoError(t, err)

	next := snapshot(300,
		reading(stationA, 4, 41.38, 2.17),
		reading(stationB, 3, 41.39, 2.18),
		stationCReading,
	)

	ctx, cancel := context.WithCancel(context.Background())
	provider.cancel = cancel
	_, err = e.Process(ctx, next)
	require.ErrorIs(t, err, context.Canceled)

	node, _ := e.Store().Node(stationA)
	assert.Equal(t, 5, node.Bikes)
	assert.Zero(t, e.Queue().Len())
	assert.Equal(t, int64(0), e.Topology().Timestamp)

	provider.cancel = nil
	stats, err := e.Process(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewNodes)
	assert.Equal(t, 1, stats.Departures)
	assert.Equal(t, 1, e.Queue().Len())

	node, _ = e.Store().Node(stationA)
	assert.Equal(t, 4, node.Bikes)
	_, ok := e.Store().LookupWindow(stationC, stationA)
	assert.True(t, ok)
}
