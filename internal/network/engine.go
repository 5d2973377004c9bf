package network

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// Options configures an Engine.
type Options struct {
	MaxPendingAge time.Duration
	Workers       int
	Logger        logger.Logger
}

// DefaultOptions matches the reference tuning: 35 minute staleness cutoff and
// eight concurrent window lookups.
func DefaultOptions() Options {
	return Options{
		MaxPendingAge: DefaultMaxPendingAge,
		Workers:       8,
		Logger:        logger.Nop(),
	}
}

// StepStats summarises what one snapshot did to the graph.
type StepStats struct {
	Timestamp      int64
	NewNodes       int
	Departures     int
	Arrivals       int
	Pruned         int
	Pending        int
	Discovered     int
	Created        int
	Matched        int
	Decayed        int
	Removed        int
	MissingWindows int
}

// Engine infers trip edges from a time-ordered sequence of station snapshots.
// One engine owns one store and one departure queue; it is not safe for
// concurrent use.
type Engine struct {
	snapshots []models.Snapshot
	provider  WindowProvider
	opts      Options
	log       logger.Logger

	store    *Store
	queue    *DepartureQueue
	readings map[int]models.StationReading
	started  bool
	last     int64
	step     StepStats
}

// NewEngine validates every snapshot and sorts them by timestamp. No state is
// built until the timestamps are iterated.
func NewEngine(snapshots []models.Snapshot, provider WindowProvider, opts Options) (*Engine, error) {
	if opts.MaxPendingAge <= 0 {
		opts.MaxPendingAge = DefaultMaxPendingAge
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	sorted := make([]models.Snapshot, len(snapshots))
	copy(sorted, snapshots)
	for i, snap := range sorted {
		if err := validateSnapshot(snap); err != nil {
			var mErr *models.MalformedInputError
			if errors.As(err, &mErr) {
				return nil, mErr.AtSnapshot(i, snap.Timestamp)
			}
			return nil, err
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	e := &Engine{
		snapshots: sorted,
		provider:  provider,
		opts:      opts,
		log:       opts.Logger,
	}
	e.Reset()
	return e, nil
}

func validateSnapshot(snap models.Snapshot) error {
	seen := make(map[int]struct{}, len(snap.Stations))
	for _, r := range snap.Stations {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return &models.MalformedInputError{Snapshot: -1, Station: r.ID, Reason: "station appears twice in snapshot"}
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Reset discards all inferred state.
func (e *Engine) Reset() {
	e.store = NewStore(e.opts.Workers, e.log)
	e.queue = NewDepartureQueue(e.opts.MaxPendingAge)
	e.readings = make(map[int]models.StationReading)
	e.started = false
	e.last = 0
	e.step = StepStats{}
}

// Len returns the number of snapshots the engine will replay.
func (e *Engine) Len() int { return len(e.snapshots) }

func (e *Engine) Store() *Store          { return e.store }
func (e *Engine) Queue() *DepartureQueue { return e.queue }

// LastStep returns the statistics of the most recent Process call.
func (e *Engine) LastStep() StepStats { return e.step }

// Timestamps replays every snapshot from a fresh state, yielding each
// timestamp once it is fully processed. Topology is valid between yields.
// Ranging again restarts the replay. A fatal error is yielded once and ends
// the sequence.
func (e *Engine) Timestamps(ctx context.Context) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		e.Reset()
		for _, snap := range e.snapshots {
			if err := ctx.Err(); err != nil {
				yield(snap.Timestamp, err)
				return
			}
			if _, err := e.Process(ctx, snap); err != nil {
				yield(snap.Timestamp, err)
				return
			}
			if !yield(snap.Timestamp, nil) {
				return
			}
		}
	}
}

// Process applies one snapshot. The snapshot is validated before any state
// changes; a malformed snapshot leaves the graph untouched. Every new station
// is created before any bike count changes, so a cancelled context can only
// leave extra nodes behind, holding the snapshot's counts; processing the
// same snapshot again then gives the same result as an uninterrupted call.
func (e *Engine) Process(ctx context.Context, snap models.Snapshot) (StepStats, error) {
	if err := validateSnapshot(snap); err != nil {
		var mErr *models.MalformedInputError
		if errors.As(err, &mErr) {
			mErr.Timestamp = snap.Timestamp
			return StepStats{}, mErr
		}
		return StepStats{}, err
	}
	if e.started && snap.Timestamp < e.last {
		return StepStats{}, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, snap.Timestamp, e.last)
	}

	ts := snap.Timestamp
	stats := StepStats{Timestamp: ts}

	for _, r := range snap.Stations {
		created, err := e.store.EnsureNode(ctx, r, e.provider)
		if err != nil {
			return StepStats{}, fmt.Errorf("creating node %d: %w", r.ID, err)
		}
		if created {
			stats.NewNodes++
		}
	}

	var arrivals []int
	for _, r := range snap.Stations {
		previous, err := e.store.UpdateBikes(r.ID, r.Bikes)
		if err != nil {
			return StepStats{}, err
		}
		e.readings[r.ID] = r

		switch {
		case r.Bikes < previous:
			e.log.Debug("Bikes departed", "station", r.ID, "count", previous-r.Bikes, "timestamp", ts)
			e.queue.Push(ts, r.ID)
			stats.Departures++
		case r.Bikes > previous:
			e.log.Debug("Bikes arrived", "station", r.ID, "count", r.Bikes-previous, "timestamp", ts)
			arrivals = append(arrivals, r.ID)
			stats.Arrivals++
		}
	}

	stats.Pruned = e.queue.PruneOlderThan(ts)
	stats.Pending = e.queue.Len()

	discovered := make(map[EdgeKey][2]int)
	var order []EdgeKey
	for _, destination := range arrivals {
		origins, missing := e.queue.CandidatesFor(destination, ts, e.store)
		for _, m := range missing {
			e.log.Warn("Travel window missing, skipping candidate", "error", m, "timestamp", ts)
		}
		stats.MissingWindows += len(missing)
		if len(origins) > 0 {
			e.log.Info("Candidate origins found", "destination", destination, "origins", len(origins), "timestamp", ts)
		}
		for _, origin := range origins {
			key := NewEdgeKey(origin, destination)
			if _, ok := discovered[key]; ok {
				continue
			}
			discovered[key] = [2]int{origin, destination}
			order = append(order, key)
		}
	}
	stats.Discovered = len(order)

	for _, key := range e.store.EdgeKeys() {
		_, found := discovered[key]
		if found {
			delete(discovered, key)
		}
		switch change := e.store.TouchEdge(key.A, key.B, found); change {
		case EdgeMatched:
			stats.Matched++
		case EdgeDecayed:
			stats.Decayed++
		case EdgeRemoved:
			stats.Removed++
			e.log.Debug("Edge removed", "a", key.A, "b", key.B, "timestamp", ts)
		}
	}

	for _, key := range order {
		pair, ok := discovered[key]
		if !ok {
			continue
		}
		if e.store.TouchEdge(pair[0], pair[1], true) == EdgeCreated {
			stats.Created++
			e.log.Debug("Edge created", "origin", pair[0], "destination", pair[1], "timestamp", ts)
		}
	}

	e.started = true
	e.last = ts
	e.step = stats
	return stats, nil
}

// Topology returns the graph as of the last processed snapshot, with each
// node's latest slot count and status.
func (e *Engine) Topology() Topology {
	t := e.store.SnapshotTopology()
	t.Timestamp = e.last
	for i := range t.Nodes {
		if r, ok := e.readings[t.Nodes[i].ID]; ok {
			t.Nodes[i].Slots = r.Slots
			t.Nodes[i].Status = r.Status
		}
	}
	return t
}
