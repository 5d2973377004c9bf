package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/network"
)

// Sink receives the topology after every processed snapshot.
type Sink interface {
	Name() string
	Write(ctx context.Context, t network.Topology) error
}

// StepObserver is notified after every processed snapshot.
type StepObserver interface {
	ObserveStep(s network.StepStats, d time.Duration)
}

// SinkErrorCounter counts failed sink writes.
type SinkErrorCounter interface {
	SinkErrorInc(sink string)
}

// Summary describes a completed run.
type Summary struct {
	Snapshots      int
	FirstTimestamp int64
	LastTimestamp  int64
	Nodes          int
	Edges          int
	Departures     int
	Arrivals       int
	EdgesCreated   int
	EdgesRemoved   int
	MissingWindows int
	SinkErrors     map[string]int
	Duration       time.Duration
}

// Fields flattens the summary for structured logging and run reports.
func (s Summary) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"snapshots":       s.Snapshots,
		"first_timestamp": s.FirstTimestamp,
		"last_timestamp":  s.LastTimestamp,
		"nodes":           s.Nodes,
		"edges":           s.Edges,
		"departures":      s.Departures,
		"arrivals":        s.Arrivals,
		"edges_created":   s.EdgesCreated,
		"edges_removed":   s.EdgesRemoved,
		"missing_windows": s.MissingWindows,
		"duration":        s.Duration.Round(time.Millisecond).String(),
	}
	for name, n := range s.SinkErrors {
		fields["sink_errors_"+name] = n
	}
	return fields
}

// Runner replays an engine's snapshots and fans each topology out to sinks.
type Runner struct {
	engine   *network.Engine
	sinks    []Sink
	observer StepObserver
	counter  SinkErrorCounter
	logger   logger.Logger

	mu        sync.Mutex
	isRunning bool
}

type Option func(*Runner)

func WithSinks(sinks ...Sink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

func WithObserver(o StepObserver) Option {
	return func(r *Runner) { r.observer = o }
}

func WithSinkErrorCounter(c SinkErrorCounter) Option {
	return func(r *Runner) { r.counter = c }
}

func NewRunner(engine *network.Engine, log logger.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	r := &Runner{engine: engine, logger: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every snapshot. Sink failures are logged and counted; an
// engine error or a cancelled context ends the run and is returned along
// with the partial summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return Summary{}, fmt.Errorf("runner is already running")
	}
	r.isRunning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
	}()

	start := time.Now()
	summary := Summary{SinkErrors: make(map[string]int)}

	r.logger.Info("Starting trip inference", "snapshots", r.engine.Len(), "sinks", len(r.sinks))

	stepStart := time.Now()
	for ts, err := range r.engine.Timestamps(ctx) {
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("processing snapshot t=%d: %w", ts, err)
		}

		step := r.engine.LastStep()
		if r.observer != nil {
			r.observer.ObserveStep(step, time.Since(stepStart))
		}
		if summary.Snapshots == 0 {
			summary.FirstTimestamp = ts
		}
		summary.Snapshots++
		summary.LastTimestamp = ts
		summary.Departures += step.Departures
		summary.Arrivals += step.Arrivals
		summary.EdgesCreated += step.Created
		summary.EdgesRemoved += step.Removed
		summary.MissingWindows += step.MissingWindows

		topo := r.engine.Topology()
		for _, sink := range r.sinks {
			if err := sink.Write(ctx, topo); err != nil {
				summary.SinkErrors[sink.Name()]++
				if r.counter != nil {
					r.counter.SinkErrorInc(sink.Name())
				}
				r.logger.Warn("Sink write failed", "sink", sink.Name(), "timestamp", ts, "error", err)
			}
		}

		r.logger.Debug("Snapshot processed",
			"timestamp", ts,
			"nodes", len(topo.Nodes),
			"edges", len(topo.Edges),
			"created", step.Created,
			"removed", step.Removed,
			"pending", step.Pending)
		stepStart = time.Now()
	}

	summary.Nodes = r.engine.Store().NodeCount()
	summary.Edges = r.engine.Store().EdgeCount()
	summary.Duration = time.Since(start)

	r.logger.Info("Trip inference completed", summary.Fields())
	return summary, nil
}
