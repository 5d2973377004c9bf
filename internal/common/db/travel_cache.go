package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bicingtrips-data/pkg/bicing/models"
)

const travelCacheColumns = 6

type pendingEstimate struct {
	key string
	est models.WalkingEstimate
}

// TravelCache stores walking estimates in postgres under a cache version.
// New entries are buffered and written in multi-row upserts every
// flushEvery entries and on Flush.
type TravelCache struct {
	db         *DB
	version    string
	flushEvery int

	mu      sync.Mutex
	pending []pendingEstimate
	index   map[string]int
}

func NewTravelCache(database *DB, version string, flushEvery int) *TravelCache {
	if flushEvery <= 0 {
		flushEvery = 50
	}
	return &TravelCache{
		db:         database,
		version:    version,
		flushEvery: flushEvery,
		index:      make(map[string]int),
	}
}

func (c *TravelCache) Get(ctx context.Context, key string) (models.WalkingEstimate, bool, error) {
	c.mu.Lock()
	if i, ok := c.index[key]; ok {
		est := c.pending[i].est
		c.mu.Unlock()
		return est, true, nil
	}
	c.mu.Unlock()

	var est models.WalkingEstimate
	err := c.db.conn.QueryRowContext(ctx, `
		SELECT distance_m, distance_text, duration_s, duration_text
		FROM bicing.travel_cache
		WHERE version = $1 AND cache_key = $2`, c.version, key).Scan(
		&est.Distance.Value,
		&est.Distance.Text,
		&est.Duration.Value,
		&est.Duration.Text,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WalkingEstimate{}, false, nil
	}
	if err != nil {
		return models.WalkingEstimate{}, false, fmt.Errorf("querying travel cache: %w", err)
	}
	return est, true, nil
}

func (c *TravelCache) Put(ctx context.Context, key string, est models.WalkingEstimate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.pending[i].est = est
	} else {
		c.index[key] = len(c.pending)
		c.pending = append(c.pending, pendingEstimate{key: key, est: est})
	}
	if len(c.pending) >= c.flushEvery {
		return c.flushLocked(ctx)
	}
	return nil
}

// Pending returns the number of buffered entries not yet written.
func (c *TravelCache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *TravelCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

func (c *TravelCache) Close(ctx context.Context) error {
	return c.Flush(ctx)
}

func (c *TravelCache) flushLocked(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	values := make([]interface{}, 0, len(c.pending)*travelCacheColumns)
	for _, p := range c.pending {
		values = append(values,
			c.version,
			p.key,
			p.est.Distance.Value,
			p.est.Distance.Text,
			p.est.Duration.Value,
			p.est.Duration.Text,
		)
	}

	if _, err := tx.ExecContext(ctx, buildUpsertQuery(len(c.pending)), values...); err != nil {
		return fmt.Errorf("executing batch upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	c.db.logger.Debug("Travel cache flushed", "version", c.version, "entries", len(c.pending))
	c.pending = c.pending[:0]
	c.index = make(map[string]int)
	return nil
}

func buildUpsertQuery(rows int) string {
	var sb strings.Builder

	sb.WriteString("INSERT INTO bicing.travel_cache (version, cache_key, distance_m, distance_text, duration_s, duration_text) VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < travelCacheColumns; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("$%d", i*travelCacheColumns+j+1))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ON CONFLICT (version, cache_key) DO UPDATE SET" +
		" distance_m = EXCLUDED.distance_m, distance_text = EXCLUDED.distance_text," +
		" duration_s = EXCLUDED.duration_s, duration_text = EXCLUDED.duration_text")

	return sb.String()
}
