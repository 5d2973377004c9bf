package models

// Distance mirrors the distance-matrix "distance" element. Value is in meters.
type Distance struct {
	Text  string  `json:"text,omitempty"`
	Value float64 `json:"value"`
}

// Duration mirrors the distance-matrix "duration" element. Value is in seconds.
type Duration struct {
	Text  string  `json:"text,omitempty"`
	Value float64 `json:"value"`
}

// WalkingEstimate is a walking route estimate between two positions.
type WalkingEstimate struct {
	Distance Distance `json:"distance"`
	Duration Duration `json:"duration"`
}

// DurationRange holds a duration estimate with its confidence band, in seconds.
type DurationRange struct {
	Min   float64 `json:"min"`
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// BikeEstimate is the cycling estimate derived from a walking estimate.
type BikeEstimate struct {
	Distance Distance      `json:"distance"`
	Duration DurationRange `json:"duration"`
}
