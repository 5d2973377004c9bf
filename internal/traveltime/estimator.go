package traveltime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// Walker answers walking-route queries, usually over the network.
type Walker interface {
	Walking(ctx context.Context, origin, destination models.Coordinates) (*models.WalkingEstimate, error)
}

// Config tunes an Estimator.
type Config struct {
	// UseRemote enables the Walker. When false every estimate is geometric.
	UseRemote bool
	// AllowFallback lets remote failures fall back to the geometric estimate.
	AllowFallback bool
	ScaleFactor   float64
	CIPercentage  float64
	MemorySize    int
	MemoryTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		UseRemote:     true,
		AllowFallback: true,
		ScaleFactor:   DefaultBikeScaleFactor,
		CIPercentage:  DefaultBikeCIPercentage,
		MemorySize:    10000,
		MemoryTTL:     24 * time.Hour,
	}
}

// Stats counts how estimates were produced.
type Stats struct {
	MemoryHits int64
	StoreHits  int64
	Remote     int64
	Fallback   int64
	NoRoute    int64
	Failures   int64
}

// Estimator produces walking and cycling estimates between coordinates. It
// looks in an in-process LRU, then the persistent store, then the remote
// service, and finally the geometric approximation. Only remote answers are
// cached. Safe for concurrent use.
type Estimator struct {
	cfg           Config
	remote        Walker
	remoteEnabled atomic.Bool
	memo          gcache.Cache
	store         CacheStore
	logger        logger.Logger

	memoryHits atomic.Int64
	storeHits  atomic.Int64
	remoteHits atomic.Int64
	fallbacks  atomic.Int64
	noRoute    atomic.Int64
	failures   atomic.Int64
}

// NewEstimator wires an estimator. remote and store may be nil.
func NewEstimator(cfg Config, remote Walker, store CacheStore, log logger.Logger) *Estimator {
	if cfg.ScaleFactor <= 0 {
		cfg.ScaleFactor = DefaultBikeScaleFactor
	}
	if cfg.CIPercentage < 0 {
		cfg.CIPercentage = DefaultBikeCIPercentage
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 10000
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}

	e := &Estimator{
		cfg:    cfg,
		remote: remote,
		memo:   gcache.New(cfg.MemorySize).LRU().Expiration(cfg.MemoryTTL).Build(),
		store:  store,
		logger: log,
	}
	e.remoteEnabled.Store(cfg.UseRemote && remote != nil)
	return e
}

// RemoteEnabled reports whether the remote service is still being queried.
// It turns false for the rest of the run once the quota is exhausted.
func (e *Estimator) RemoteEnabled() bool {
	return e.remoteEnabled.Load()
}

// EstimateWalking returns the walking estimate for an ordered pair. A nil
// estimate with a nil error means the remote service knows no route.
func (e *Estimator) EstimateWalking(ctx context.Context, origin, destination models.Coordinates) (*models.WalkingEstimate, error) {
	key := CacheKey(origin, destination)

	if v, err := e.memo.Get(key); err == nil {
		e.memoryHits.Add(1)
		return e.cached(v.(models.WalkingEstimate)), nil
	}

	if e.store != nil {
		est, ok, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.Warn("Walking cache lookup failed", "key", key, "error", err)
		} else if ok {
			e.storeHits.Add(1)
			_ = e.memo.Set(key, est)
			return e.cached(est), nil
		}
	}

	est, fromRemote, err := e.lookup(ctx, origin, destination)
	if err != nil {
		e.failures.Add(1)
		return nil, err
	}

	// A remote "no route" is cached as an empty entry so the pair is not
	// queried again.
	if fromRemote {
		var entry models.WalkingEstimate
		if est != nil {
			entry = *est
		}
		_ = e.memo.Set(key, entry)
		if e.store != nil {
			if err := e.store.Put(ctx, key, entry); err != nil {
				e.logger.Warn("Failed to persist walking estimate", "key", key, "error", err)
			}
		}
	}
	if est == nil {
		e.noRoute.Add(1)
		return nil, nil
	}
	return est, nil
}

// cached turns a cache entry back into a lookup result; the empty entry
// stands for "no route".
func (e *Estimator) cached(est models.WalkingEstimate) *models.WalkingEstimate {
	if IsNoRoute(est) {
		e.noRoute.Add(1)
		return nil
	}
	return &est
}

// IsNoRoute reports whether est is the cache entry recorded for a pair the
// remote service had no route for.
func IsNoRoute(est models.WalkingEstimate) bool {
	return est == models.WalkingEstimate{}
}

func (e *Estimator) lookup(ctx context.Context, origin, destination models.Coordinates) (*models.WalkingEstimate, bool, error) {
	if !e.remoteEnabled.Load() {
		e.fallbacks.Add(1)
		return GeometricWalkingEstimate(origin, destination), false, nil
	}

	est, err := e.remote.Walking(ctx, origin, destination)
	if err == nil {
		e.remoteHits.Add(1)
		return est, true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}

	if errors.Is(err, ErrOverQueryLimit) {
		if e.remoteEnabled.CompareAndSwap(true, false) {
			e.logger.Warn("Distance matrix quota exhausted, using geometric estimates for the rest of the run")
		}
	} else {
		e.logger.Debug("Distance matrix request failed", "origin", origin, "destination", destination, "error", err)
	}

	if !e.cfg.AllowFallback {
		return nil, false, fmt.Errorf("%w: %v", ErrEstimatorUnavailable, err)
	}
	e.fallbacks.Add(1)
	return GeometricWalkingEstimate(origin, destination), false, nil
}

// EstimateBikeDuration converts the walking estimate into a cycling duration
// range. It satisfies network.BikeEstimator.
func (e *Estimator) EstimateBikeDuration(ctx context.Context, origin, destination models.Coordinates) (*models.BikeEstimate, error) {
	walk, err := e.EstimateWalking(ctx, origin, destination)
	if err != nil || walk == nil {
		return nil, err
	}
	return BikeEstimateFrom(*walk, e.cfg.ScaleFactor, e.cfg.CIPercentage), nil
}

func (e *Estimator) Stats() Stats {
	return Stats{
		MemoryHits: e.memoryHits.Load(),
		StoreHits:  e.storeHits.Load(),
		Remote:     e.remoteHits.Load(),
		Fallback:   e.fallbacks.Load(),
		NoRoute:    e.noRoute.Load(),
		Failures:   e.failures.Load(),
	}
}

// Close flushes and closes the persistent store.
func (e *Estimator) Close(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Close(ctx); err != nil {
		return fmt.Errorf("closing walking cache: %w", err)
	}
	return nil
}
