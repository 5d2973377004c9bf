package network

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// fixedProvider answers every pair with the same window, except pairs listed
// in fail (error) or absent (no answer).
type fixedProvider struct {
	window TravelWindow
	fail   map[models.Coordinates]bool
	absent map[models.Coordinates]bool

	mu    sync.Mutex
	calls int
}

func (p *fixedProvider) TravelWindow(_ context.Context, from, to models.Coordinates) (TravelWindow, bool, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.fail[to] || p.fail[from] {
		return TravelWindow{}, false, errors.New("estimator unavailable")
	}
	if p.absent[to] || p.absent[from] {
		return TravelWindow{}, false, nil
	}
	return p.window, true, nil
}

func reading(id, bikes int, lat, lon float64) models.StationReading {
	return models.StationReading{ID: id, Bikes: bikes, Slots: 20, Status: models.StatusOperational, Lat: lat, Lon: lon}
}

func TestEnsureNodeRecordsSymmetricWindows(t *testing.T) {
	ctx := context.Background()
	provider := &fixedProvider{window: TravelWindow{Min: 200, Value: 500, Max: 800}}
	s := NewStore(4, logger.Nop())

	for i, r := range []models.StationReading{
		reading(1, 5, 41.38, 2.17),
		reading(2, 3, 41.39, 2.18),
		reading(3, 0, 41.40, 2.19),
	} {
		created, err := s.EnsureNode(ctx, r, provider)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, i+1, s.NodeCount())
	}

	for _, pair := range [][2]int{{1, 2}, {1, 3}, {2, 3}} {
		ab, err := s.TravelWindow(pair[0], pair[1])
		require.NoError(t, err)
		ba, err := s.TravelWindow(pair[1], pair[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}
	assert.Equal(t, 3, provider.calls)

	created, err := s.EnsureNode(ctx, reading(1, 9, 41.38, 2.17), provider)
	require.NoError(t, err)
	assert.False(t, created)
	node, ok := s.Node(1)
	require.True(t, ok)
	assert.Equal(t, 5, node.Bikes, "existing node is left untouched")
	assert.Equal(t, Position{X: 41.38, Y: -2.17}, node.Position)
}

func TestEnsureNodeToleratesEstimatorFailures(t *testing.T) {
	ctx := context.Background()
	broken := models.Coordinates{Lat: 41.40, Lon: 2.19}
	unknown := models.Coordinates{Lat: 41.41, Lon: 2.20}
	provider := &fixedProvider{
		window: TravelWindow{Min: 1, Value: 2, Max: 3},
		fail:   map[models.Coordinates]bool{broken: true},
		absent: map[models.Coordinates]bool{unknown: true},
	}
	s := NewStore(2, logger.Nop())

	for _, r := range []models.StationReading{
		reading(1, 1, 41.38, 2.17),
		reading(2, 1, 41.39, 2.18),
		reading(3, 1, broken.Lat, broken.Lon),
		reading(4, 1, unknown.Lat, unknown.Lon),
	} {
		_, err := s.EnsureNode(ctx, r, provider)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, s.NodeCount())
	_, ok := s.LookupWindow(1, 2)
	assert.True(t, ok)
	_, ok = s.LookupWindow(3, 1)
	assert.False(t, ok)
	_, err := s.TravelWindow(2, 4)
	var missing *MissingWindowError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 2, missing.From)
	assert.Equal(t, 4, missing.To)
}

func TestEnsureNodeDiscardsInvalidWindows(t *testing.T) {
	ctx := context.Background()
	provider := &fixedProvider{window: TravelWindow{Min: 10, Value: 5, Max: 20}}
	s := NewStore(1, logger.Nop())

	_, err := s.EnsureNode(ctx, reading(1, 1, 41.38, 2.17), provider)
	require.NoError(t, err)
	_, err = s.EnsureNode(ctx, reading(2, 1, 41.39, 2.18), provider)
	require.NoError(t, err)

	_, ok := s.LookupWindow(1, 2)
	assert.False(t, ok)
}

func TestEnsureNodeCancelledContextWritesNothing(t *testing.T) {
	provider := &fixedProvider{window: TravelWindow{Min: 1, Value: 2, Max: 3}}
	s := NewStore(1, logger.Nop())
	_, err := s.EnsureNode(context.Background(), reading(1, 1, 41.38, 2.17), provider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelling := &cancelProvider{}
	_, err = s.EnsureNode(ctx, reading(2, 1, 41.39, 2.18), cancelling)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.NodeCount())
}

type cancelProvider struct{}

func (cancelProvider) TravelWindow(ctx context.Context, _, _ models.Coordinates) (TravelWindow, bool, error) {
	return TravelWindow{}, false, ctx.Err()
}

func TestUpdateBikesUnknownNode(t *testing.T) {
	s := NewStore(1, logger.Nop())
	_, err := s.UpdateBikes(42, 3)

	var unknown *UnknownNodeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, 42, unknown.ID)
}

func TestTouchEdgeLifecycle(t *testing.T) {
	s := NewStore(1, logger.Nop())

	assert.Equal(t, EdgeUnchanged, s.TouchEdge(1, 2, false))
	assert.False(t, s.HasEdge(1, 2))

	assert.Equal(t, EdgeCreated, s.TouchEdge(2, 1, true))
	edge, ok := s.Edge(1, 2)
	require.True(t, ok)
	assert.Equal(t, 2, edge.Origin)
	assert.Equal(t, 1, edge.Destination)
	assert.Equal(t, []int{1}, edge.W1.Values())
	assert.Equal(t, []int{1}, edge.W5.Values())
	assert.Equal(t, []int{1}, edge.W15.Values())

	assert.Equal(t, EdgeCreated, s.TouchEdge(3, 4, true))
	assert.Equal(t, EdgeMatched, s.TouchEdge(4, 3, true))
	other, ok := s.Edge(3, 4)
	require.True(t, ok)
	assert.Equal(t, []int{1, 1}, other.W5.Values())
	assert.Equal(t, 3, other.Origin)

	for i := 0; i < LongWindow-1; i++ {
		assert.Equal(t, EdgeDecayed, s.TouchEdge(1, 2, false), "miss %d", i+1)
		assert.LessOrEqual(t, edge.W1.Len(), ShortWindow)
		assert.LessOrEqual(t, edge.W5.Len(), MediumWindow)
		assert.LessOrEqual(t, edge.W15.Len(), LongWindow)
		assert.Positive(t, edge.W15.Sum())
	}
	assert.Equal(t, EdgeRemoved, s.TouchEdge(1, 2, false))
	assert.False(t, s.HasEdge(2, 1))
	assert.Equal(t, 1, s.EdgeCount())
}

func TestWeightHistoryBounded(t *testing.T) {
	h := newHistory(MediumWindow)
	for i := 0; i < 12; i++ {
		h.Append(i%3 == 0)
	}
	assert.Equal(t, MediumWindow, h.Len())
	assert.Equal(t, MediumWindow, h.Capacity())
	assert.Equal(t, []int{0, 0, 1, 0, 0}, h.Values())
	assert.Equal(t, 1, h.Sum())
}

func TestSnapshotTopologyOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewStore(1, logger.Nop())
	for _, r := range []models.StationReading{reading(7, 1, 41.1, 2.1), reading(3, 2, 41.2, 2.2), reading(5, 0, 41.3, 2.3)} {
		_, err := s.EnsureNode(ctx, r, nil)
		require.NoError(t, err)
	}
	s.TouchEdge(7, 5, true)
	s.TouchEdge(3, 7, true)

	topo := s.SnapshotTopology()
	require.Len(t, topo.Nodes, 3)
	assert.Equal(t, []int{3, 5, 7}, []int{topo.Nodes[0].ID, topo.Nodes[1].ID, topo.Nodes[2].ID})
	assert.Equal(t, Position{X: 41.2, Y: -2.2}, topo.Nodes[0].Position)

	require.Len(t, topo.Edges, 2)
	assert.Equal(t, 3, topo.Edges[0].Origin)
	assert.Equal(t, 7, topo.Edges[0].Destination)
	assert.Equal(t, 7, topo.Edges[1].Origin)
	assert.Equal(t, 5, topo.Edges[1].Destination)
}
