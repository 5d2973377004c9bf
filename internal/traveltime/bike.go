package traveltime

import "github.com/bicingtrips-data/pkg/bicing/models"

// Bike conversion defaults, measured against recorded rides between stations.
const (
	DefaultBikeScaleFactor  = 2.13
	DefaultBikeCIPercentage = 0.2
)

// ApproximateBikeDuration converts a walking duration into a cycling
// duration with a symmetric confidence band.
func ApproximateBikeDuration(walkingSeconds, scaleFactor, ciPercentage float64) models.DurationRange {
	if scaleFactor <= 0 {
		scaleFactor = DefaultBikeScaleFactor
	}
	value := walkingSeconds / scaleFactor
	return models.DurationRange{
		Min:   value - value*ciPercentage,
		Value: value,
		Max:   value + value*ciPercentage,
	}
}

// BikeEstimateFrom derives a cycling estimate from a walking one.
func BikeEstimateFrom(w models.WalkingEstimate, scaleFactor, ciPercentage float64) *models.BikeEstimate {
	return &models.BikeEstimate{
		Distance: w.Distance,
		Duration: ApproximateBikeDuration(w.Duration.Value, scaleFactor, ciPercentage),
	}
}
