package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bicingtrips-data/internal/common/db"
	"github.com/bicingtrips-data/internal/common/logger"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PruneResult reports what PruneTravelCache removed.
type PruneResult struct {
	KeptVersion    string
	RecordsDeleted int64
	Vacuumed       bool
	Duration       time.Duration
}

// Maintenance handles travel cache cleanup
type Maintenance struct {
	db     execer
	logger logger.Logger
}

// New creates a new Maintenance instance
func New(database *db.DB, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database.DB(),
		logger: logger,
	}
}

// PruneTravelCache deletes cached estimates written under any version other
// than keepVersion, then vacuums the table if anything was removed.
func (m *Maintenance) PruneTravelCache(ctx context.Context, keepVersion string) (PruneResult, error) {
	start := time.Now()
	result := PruneResult{KeptVersion: keepVersion}

	m.logger.Info("Pruning stale travel cache entries", "keep_version", keepVersion)

	res, err := m.db.ExecContext(ctx, `DELETE FROM bicing.travel_cache WHERE version <> $1`, keepVersion)
	if err != nil {
		return result, fmt.Errorf("deleting stale travel cache entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("getting rows affected: %w", err)
	}
	result.RecordsDeleted = deleted

	// VACUUM cannot run inside a transaction, so it is issued on its own.
	if deleted > 0 {
		if err := m.VacuumTravelCache(ctx); err != nil {
			m.logger.Warn("Failed to vacuum travel cache after pruning", "error", err)
		} else {
			result.Vacuumed = true
		}
	}

	result.Duration = time.Since(start)
	m.logger.Info("Travel cache pruned",
		"keep_version", keepVersion,
		"records_deleted", deleted,
		"vacuumed", result.Vacuumed,
		"duration", result.Duration)
	return result, nil
}

// VacuumTravelCache runs VACUUM ANALYZE on the travel cache table.
func (m *Maintenance) VacuumTravelCache(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `VACUUM ANALYZE bicing.travel_cache`); err != nil {
		return fmt.Errorf("vacuuming travel cache: %w", err)
	}
	return nil
}
