package traveltime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

// CacheVersion tags every persisted cache so stale layouts can be discarded.
const CacheVersion = "1.0"

// DefaultFlushEvery is how many new entries a persistent cache accumulates
// before writing them out.
const DefaultFlushEvery = 50

// CacheKey is the persistent key of an ordered coordinate pair.
func CacheKey(origin, destination models.Coordinates) string {
	return fmt.Sprintf("%f,%f_%f,%f", origin.Lat, origin.Lon, destination.Lat, destination.Lon)
}

// CacheStore persists walking estimates across runs. Implementations must be
// safe for concurrent use.
type CacheStore interface {
	Get(ctx context.Context, key string) (models.WalkingEstimate, bool, error)
	Put(ctx context.Context, key string, est models.WalkingEstimate) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

type cacheFile struct {
	Version string                            `json:"version"`
	Data    map[string]models.WalkingEstimate `json:"data"`
}

// FileCache keeps walking estimates in memory and saves them as one JSON
// document every flushEvery new entries and on Close.
type FileCache struct {
	path       string
	flushEvery int
	logger     logger.Logger

	mu      sync.Mutex
	data    map[string]models.WalkingEstimate
	unsaved int
}

// OpenFileCache loads path if it exists. A missing file, an unreadable file or
// a version mismatch all start an empty cache.
func OpenFileCache(path string, flushEvery int, log logger.Logger) *FileCache {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &FileCache{
		path:       path,
		flushEvery: flushEvery,
		logger:     log,
		data:       make(map[string]models.WalkingEstimate),
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("Walking cache not found, starting empty", "path", path)
		return c
	case err != nil:
		log.Warn("Failed to read walking cache, starting empty", "path", path, "error", err)
		return c
	}

	var doc cacheFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Warn("Failed to decode walking cache, starting empty", "path", path, "error", err)
		return c
	}
	if doc.Version != CacheVersion {
		log.Warn("Walking cache version mismatch, starting empty", "path", path, "version", doc.Version, "expected", CacheVersion)
		return c
	}
	if doc.Data != nil {
		c.data = doc.Data
	}
	log.Info("Walking cache loaded", "path", path, "entries", len(c.data))
	return c
}

func (c *FileCache) Get(_ context.Context, key string) (models.WalkingEstimate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.data[key]
	return est, ok, nil
}

func (c *FileCache) Put(_ context.Context, key string, est models.WalkingEstimate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = est
	c.unsaved++
	if c.unsaved >= c.flushEvery {
		return c.saveLocked()
	}
	return nil
}

// Len returns the number of cached pairs.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *FileCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsaved == 0 {
		return nil
	}
	return c.saveLocked()
}

func (c *FileCache) Close(ctx context.Context) error {
	return c.Flush(ctx)
}

func (c *FileCache) saveLocked() error {
	payload, err := json.Marshal(cacheFile{Version: CacheVersion, Data: c.data})
	if err != nil {
		return fmt.Errorf("encoding walking cache: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0644); err != nil {
		return fmt.Errorf("writing walking cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing walking cache: %w", err)
	}

	c.logger.Debug("Walking cache saved", "path", c.path, "entries", len(c.data), "new_entries", c.unsaved)
	c.unsaved = 0
	return nil
}
