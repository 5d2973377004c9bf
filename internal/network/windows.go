package network

import (
	"context"
	"fmt"

	"github.com/bicingtrips-data/pkg/bicing/models"
)

// BikeEstimator answers cycling duration estimates. A nil estimate with a nil
// error means the estimator has no answer for the pair.
type BikeEstimator interface {
	EstimateBikeDuration(ctx context.Context, origin, destination models.Coordinates) (*models.BikeEstimate, error)
}

// EstimatorWindows adapts a BikeEstimator to WindowProvider.
type EstimatorWindows struct {
	Estimator BikeEstimator
}

func (p EstimatorWindows) TravelWindow(ctx context.Context, from, to models.Coordinates) (TravelWindow, bool, error) {
	est, err := p.Estimator.EstimateBikeDuration(ctx, from, to)
	if err != nil {
		return TravelWindow{}, false, err
	}
	if est == nil {
		return TravelWindow{}, false, nil
	}
	w := TravelWindow{Min: est.Duration.Min, Value: est.Duration.Value, Max: est.Duration.Max}
	if !w.Valid() {
		return TravelWindow{}, false, fmt.Errorf("estimator returned invalid window %.1f/%.1f/%.1f", w.Min, w.Value, w.Max)
	}
	return w, true, nil
}
