package network

import "time"

// DefaultMaxPendingAge is how long a departure may wait for a matching arrival.
const DefaultMaxPendingAge = 35 * time.Minute

// PendingDeparture records a bike-count decrease at a station.
type PendingDeparture struct {
	Timestamp int64
	StationID int
}

// WindowLookup resolves the travel window recorded for a station pair.
type WindowLookup interface {
	LookupWindow(from, to int) (TravelWindow, bool)
}

// DepartureQueue buffers unmatched departures in timestamp order. Matching
// does not consume entries; they leave only through PruneOlderThan.
type DepartureQueue struct {
	entries []PendingDeparture
	maxAge  int64
}

// NewDepartureQueue creates a queue whose entries expire after maxAge.
func NewDepartureQueue(maxAge time.Duration) *DepartureQueue {
	if maxAge <= 0 {
		maxAge = DefaultMaxPendingAge
	}
	return &DepartureQueue{maxAge: int64(maxAge / time.Second)}
}

// MaxAge returns the staleness cutoff in seconds.
func (q *DepartureQueue) MaxAge() int64 { return q.maxAge }

func (q *DepartureQueue) Push(timestamp int64, stationID int) {
	q.entries = append(q.entries, PendingDeparture{Timestamp: timestamp, StationID: stationID})
}

func (q *DepartureQueue) Len() int { return len(q.entries) }

// Entries returns a copy of the queue, oldest first.
func (q *DepartureQueue) Entries() []PendingDeparture {
	out := make([]PendingDeparture, len(q.entries))
	copy(out, q.entries)
	return out
}

// PruneOlderThan drops the prefix of entries aged maxAge or more at now and
// returns how many were dropped. The scan stops at the first fresh entry.
func (q *DepartureQueue) PruneOlderThan(now int64) int {
	cut := 0
	for _, d := range q.entries {
		if now-d.Timestamp < q.maxAge {
			break
		}
		cut++
	}
	if cut > 0 {
		q.entries = append(q.entries[:0], q.entries[cut:]...)
	}
	return cut
}

// CandidatesFor returns, in queue order, the origin of every pending
// departure from another station whose elapsed time fits the travel window
// of (destination, origin). Pairs without a window are reported in missing
// and skipped.
func (q *DepartureQueue) CandidatesFor(destination int, now int64, lookup WindowLookup) (origins []int, missing []*MissingWindowError) {
	for _, d := range q.entries {
		if d.StationID == destination {
			continue
		}
		elapsed := now - d.Timestamp
		if elapsed >= q.maxAge {
			continue
		}
		w, ok := lookup.LookupWindow(destination, d.StationID)
		if !ok {
			missing = append(missing, &MissingWindowError{From: destination, To: d.StationID})
			continue
		}
		if w.Contains(float64(elapsed)) {
			origins = append(origins, d.StationID)
		}
	}
	return origins, missing
}
