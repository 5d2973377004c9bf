package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bicingtrips-data/internal/common/logger"
)

type DB struct {
	conn   *sql.DB
	logger logger.Logger
}

func New(ctx context.Context, connStr string, logger logger.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Database connection established")

	return &DB{
		conn:   conn,
		logger: logger,
	}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// DB returns the underlying connection pool.
func (db *DB) DB() *sql.DB {
	return db.conn
}

// Logger returns the logger instance
func (db *DB) Logger() logger.Logger {
	return db.logger
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS bicing;
CREATE TABLE IF NOT EXISTS bicing.travel_cache (
	version       TEXT             NOT NULL,
	cache_key     TEXT             NOT NULL,
	distance_m    DOUBLE PRECISION NOT NULL,
	distance_text TEXT             NOT NULL DEFAULT '',
	duration_s    DOUBLE PRECISION NOT NULL,
	duration_text TEXT             NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (version, cache_key)
);`

// EnsureSchema creates the travel cache table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating travel cache schema: %w", err)
	}
	return nil
}
