package traveltime

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter spreads requestsPerMin calls evenly over a minute and lets a
// full minute's worth through in a burst. A non-positive rate means no limit.
func newRateLimiter(requestsPerMin int) *rate.Limiter {
	if requestsPerMin <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMin)), requestsPerMin)
}
