package traveltime

import (
	"fmt"

	"github.com/asmarques/geodist"

	"github.com/bicingtrips-data/pkg/bicing/models"
)

// Geometric fallback tuning.
const (
	DetourFactor    = 1.22 // street network vs. straight line
	WalkingSpeedKmh = 5.0
)

func point(c models.Coordinates) geodist.Point {
	return geodist.Point{Lat: c.Lat, Long: c.Lon}
}

// VincentyDistance returns the WGS-84 ellipsoidal distance between two points
// in meters. Nearly antipodal points that do not converge fall back to the
// great-circle distance.
func VincentyDistance(a, b models.Coordinates) float64 {
	if a == b {
		return 0
	}
	km, err := geodist.VincentyDistance(point(a), point(b))
	if err != nil {
		km = geodist.HaversineDistance(point(a), point(b))
	}
	return km * 1000
}

// GeometricWalkingEstimate approximates a walking route from the ellipsoidal
// distance, a detour factor and an average walking speed.
func GeometricWalkingEstimate(origin, destination models.Coordinates) *models.WalkingEstimate {
	km := VincentyDistance(origin, destination) / 1000 * DetourFactor
	minutes := km / WalkingSpeedKmh * 60
	return &models.WalkingEstimate{
		Distance: models.Distance{Text: fmt.Sprintf("%.2f km", km), Value: km * 1000},
		Duration: models.Duration{Text: fmt.Sprintf("%d min", int(minutes)), Value: minutes * 60},
	}
}
