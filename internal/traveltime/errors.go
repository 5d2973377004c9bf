package traveltime

import "errors"

var (
	// ErrEstimatorUnavailable means no estimate could be produced for a pair
	// because the remote service failed and no fallback was allowed.
	ErrEstimatorUnavailable = errors.New("travel time estimator unavailable")

	// ErrOverQueryLimit is returned by the distance-matrix client when the
	// API quota is exhausted.
	ErrOverQueryLimit = errors.New("distance matrix over query limit")

	errTransport = errors.New("distance matrix transport error")
)
