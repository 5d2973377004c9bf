package network

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// Weight history capacities.
const (
	ShortWindow  = 1
	MediumWindow = 5
	LongWindow   = 15
)

// Position is the plotting-plane location of a station: X is the latitude and
// Y the negated longitude.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PositionOf projects geographic coordinates onto the plotting plane.
func PositionOf(c models.Coordinates) Position {
	return Position{X: c.Lat, Y: -c.Lon}
}

// TravelWindow bounds, in seconds, how long a trip between two stations may take.
type TravelWindow struct {
	Min   float64 `json:"min"`
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// Valid reports whether 0 <= Min <= Value <= Max.
func (w TravelWindow) Valid() bool {
	return w.Min >= 0 && w.Min <= w.Value && w.Value <= w.Max
}

// Contains reports whether elapsed falls inside [Min, Max].
func (w TravelWindow) Contains(elapsed float64) bool {
	return elapsed >= w.Min && elapsed <= w.Max
}

// WindowProvider computes the travel window between two positions. ok is
// false when the provider has no answer for the pair.
type WindowProvider interface {
	TravelWindow(ctx context.Context, from, to models.Coordinates) (w TravelWindow, ok bool, err error)
}

// StationNode is a station in the graph.
type StationNode struct {
	ID          int
	Coordinates models.Coordinates
	Position    Position
	Bikes       int

	windows map[int]TravelWindow
}

// WeightHistory is a bounded, most-recent-last sequence of 0/1 observations.
type WeightHistory struct {
	capacity int
	values   []int
}

func newHistory(capacity int) *WeightHistory {
	return &WeightHistory{capacity: capacity, values: make([]int, 0, capacity)}
}

// Append records one observation, dropping the oldest beyond capacity.
func (h *WeightHistory) Append(matched bool) {
	v := 0
	if matched {
		v = 1
	}
	h.values = append(h.values, v)
	if over := len(h.values) - h.capacity; over > 0 {
		h.values = append(h.values[:0], h.values[over:]...)
	}
}

// Sum returns the number of matched observations in the history.
func (h *WeightHistory) Sum() int {
	total := 0
	for _, v := range h.values {
		total += v
	}
	return total
}

func (h *WeightHistory) Len() int      { return len(h.values) }
func (h *WeightHistory) Capacity() int { return h.capacity }

// Values returns a copy of the history, oldest first.
func (h *WeightHistory) Values() []int {
	out := make([]int, len(h.values))
	copy(out, h.values)
	return out
}

// EdgeKey identifies an unordered station pair. A is always the smaller id.
type EdgeKey struct {
	A int
	B int
}

func NewEdgeKey(a, b int) EdgeKey {
	if a > b {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b}
}

// TripEdge is the hypothesis that bikes travel between two stations. Origin
// and Destination keep the orientation of the trip that created the edge.
type TripEdge struct {
	Origin      int
	Destination int
	W1          *WeightHistory
	W5          *WeightHistory
	W15         *WeightHistory
}

func newEdge(origin, destination int) *TripEdge {
	e := &TripEdge{
		Origin:      origin,
		Destination: destination,
		W1:          newHistory(ShortWindow),
		W5:          newHistory(MediumWindow),
		W15:         newHistory(LongWindow),
	}
	e.append(true)
	return e
}

func (e *TripEdge) append(matched bool) {
	e.W1.Append(matched)
	e.W5.Append(matched)
	e.W15.Append(matched)
}

// EdgeChange describes what TouchEdge did.
type EdgeChange int

const (
	EdgeUnchanged EdgeChange = iota
	EdgeCreated
	EdgeMatched
	EdgeDecayed
	EdgeRemoved
)

func (c EdgeChange) String() string {
	switch c {
	case EdgeCreated:
		return "created"
	case EdgeMatched:
		return "matched"
	case EdgeDecayed:
		return "decayed"
	case EdgeRemoved:
		return "removed"
	default:
		return "unchanged"
	}
}

// Store holds station nodes and trip edges. It is not safe for concurrent
// use; EnsureNode fans out estimator calls internally but applies every
// write from the calling goroutine.
type Store struct {
	nodes   map[int]*StationNode
	order   []int
	edges   map[EdgeKey]*TripEdge
	workers int
	logger  logger.Logger
}

// NewStore creates an empty store. workers bounds concurrent window lookups
// issued by EnsureNode.
func NewStore(workers int, log logger.Logger) *Store {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		nodes:   make(map[int]*StationNode),
		edges:   make(map[EdgeKey]*TripEdge),
		workers: workers,
		logger:  log,
	}
}

type windowResult struct {
	window TravelWindow
	ok     bool
	err    error
}

// EnsureNode creates the node for reading if its id is unknown, computing
// travel windows against every existing node and recording them on both
// endpoints. Provider failures leave the pair without a window. The only
// error returned is a cancelled context, in which case nothing is written.
func (s *Store) EnsureNode(ctx context.Context, reading models.StationReading, provider WindowProvider) (bool, error) {
	if _, ok := s.nodes[reading.ID]; ok {
		return false, nil
	}

	node := &StationNode{
		ID:          reading.ID,
		Coordinates: reading.Coordinates(),
		Position:    PositionOf(reading.Coordinates()),
		Bikes:       reading.Bikes,
		windows:     make(map[int]TravelWindow, len(s.order)),
	}

	results := make([]windowResult, len(s.order))
	if provider != nil && len(s.order) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for i, id := range s.order {
			target := s.nodes[id].Coordinates
			g.Go(func() error {
				w, ok, err := provider.TravelWindow(gctx, node.Coordinates, target)
				if err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
				results[i] = windowResult{window: w, ok: ok, err: err}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
	}

	missing := 0
	for i, id := range s.order {
		res := results[i]
		switch {
		case provider == nil:
			missing++
		case res.err != nil:
			missing++
			s.logger.Warn("Travel window unavailable", "from", reading.ID, "to", id, "error", res.err)
		case !res.ok:
			missing++
			s.logger.Debug("No travel window for pair", "from", reading.ID, "to", id)
		case !res.window.Valid():
			missing++
			s.logger.Warn("Discarding invalid travel window", "from", reading.ID, "to", id,
				"min", res.window.Min, "value", res.window.Value, "max", res.window.Max)
		default:
			node.windows[id] = res.window
			s.nodes[id].windows[reading.ID] = res.window
		}
	}

	s.nodes[reading.ID] = node
	s.order = append(s.order, reading.ID)

	s.logger.Debug("New node found", "station", reading.ID, "windows", len(node.windows), "missing_windows", missing)
	return true, nil
}

// UpdateBikes stores the new bike count and returns the previous one.
func (s *Store) UpdateBikes(id, bikes int) (int, error) {
	node, ok := s.nodes[id]
	if !ok {
		return 0, &UnknownNodeError{ID: id}
	}
	previous := node.Bikes
	node.Bikes = bikes
	return previous, nil
}

// LookupWindow returns the travel window between two stations, if recorded.
func (s *Store) LookupWindow(from, to int) (TravelWindow, bool) {
	node, ok := s.nodes[from]
	if !ok {
		return TravelWindow{}, false
	}
	w, ok := node.windows[to]
	return w, ok
}

// TravelWindow is LookupWindow with a typed error for the absent case.
func (s *Store) TravelWindow(from, to int) (TravelWindow, error) {
	if w, ok := s.LookupWindow(from, to); ok {
		return w, nil
	}
	return TravelWindow{}, &MissingWindowError{From: from, To: to}
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id int) (StationNode, bool) {
	node, ok := s.nodes[id]
	if !ok {
		return StationNode{}, false
	}
	return *node, true
}

func (s *Store) NodeCount() int { return len(s.nodes) }
func (s *Store) EdgeCount() int { return len(s.edges) }

func (s *Store) HasEdge(a, b int) bool {
	_, ok := s.edges[NewEdgeKey(a, b)]
	return ok
}

// Edge returns the edge between a and b, if any.
func (s *Store) Edge(a, b int) (*TripEdge, bool) {
	e, ok := s.edges[NewEdgeKey(a, b)]
	return e, ok
}

// TouchEdge records one observation for the pair. An existing edge gains a 1
// or 0 in every history and is removed once its 15-sample history sums to
// zero. A missing edge is created only for a match.
func (s *Store) TouchEdge(origin, destination int, matched bool) EdgeChange {
	key := NewEdgeKey(origin, destination)
	edge, ok := s.edges[key]
	if !ok {
		if !matched {
			return EdgeUnchanged
		}
		s.edges[key] = newEdge(origin, destination)
		return EdgeCreated
	}

	edge.append(matched)
	if matched {
		return EdgeMatched
	}
	if edge.W15.Sum() == 0 {
		delete(s.edges, key)
		return EdgeRemoved
	}
	return EdgeDecayed
}

// EdgeKeys returns the keys of all present edges in ascending order.
func (s *Store) EdgeKeys() []EdgeKey {
	keys := make([]EdgeKey, 0, len(s.edges))
	for k := range s.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
	return keys
}

// NodeTopology is the outward view of a station.
type NodeTopology struct {
	ID       int      `json:"id"`
	Position Position `json:"position"`
	Bikes    int      `json:"bikes"`
	Slots    int      `json:"slots"`
	Status   string   `json:"status"`
}

// EdgeTopology is the outward view of a trip edge.
type EdgeTopology struct {
	Origin      int   `json:"origin"`
	Destination int   `json:"destination"`
	W1          []int `json:"w1"`
	W5          []int `json:"w5"`
	W15         []int `json:"w15"`
}

// Topology is a read-only projection of the graph.
type Topology struct {
	Timestamp int64          `json:"timestamp"`
	Nodes     []NodeTopology `json:"nodes"`
	Edges     []EdgeTopology `json:"edges"`
}

// SnapshotTopology projects nodes (by ascending id) and edges (by key).
func (s *Store) SnapshotTopology() Topology {
	ids := make([]int, len(s.order))
	copy(ids, s.order)
	sort.Ints(ids)

	t := Topology{
		Nodes: make([]NodeTopology, 0, len(ids)),
		Edges: make([]EdgeTopology, 0, len(s.edges)),
	}
	for _, id := range ids {
		n := s.nodes[id]
		t.Nodes = append(t.Nodes, NodeTopology{ID: n.ID, Position: n.Position, Bikes: n.Bikes})
	}
	for _, k := range s.EdgeKeys() {
		e := s.edges[k]
		t.Edges = append(t.Edges, EdgeTopology{
			Origin:      e.Origin,
			Destination: e.Destination,
			W1:          e.W1.Values(),
			W5:          e.W5.Values(),
			W15:         e.W15.Values(),
		})
	}
	return t
}
