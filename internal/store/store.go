// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package store persists grid occupancy in DuckDB. The placements table
// carries a PRIMARY KEY on (x, y) so cell uniqueness is enforced by the
// engine itself; TryPlace races resolve to exactly one winner through
// INSERT ... ON CONFLICT DO NOTHING.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/gridplace/internal/config"
)

// Store wraps the DuckDB connection and provides occupancy data access.
type Store struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	// createdMu serializes timestamp assignment so CreatedAt values are
	// strictly increasing even when placements commit in the same tick.
	createdMu   sync.Mutex
	lastCreated time.Time
}

// New opens the database at cfg.Path and initializes the schema.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure parent directory exists for the database file.
	// Use 0750 permissions (owner: rwx, group: rx, other: none) per gosec G301
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		conn: conn,
		cfg:  cfg,
	}

	s.configureConnectionPool()

	if err := s.createTables(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// configureConnectionPool sets connection pool parameters.
func (s *Store) configureConnectionPool() {
	s.conn.SetMaxOpenConns(runtime.NumCPU())
	s.conn.SetMaxIdleConns(2)
	s.conn.SetConnMaxLifetime(time.Hour)
	s.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// createTables creates the core database tables and indexes.
func (s *Store) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS placements (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			origin_address TEXT NOT NULL,
			thumb_key TEXT NOT NULL,
			orig_key TEXT NOT NULL,
			PRIMARY KEY (x, y)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_placements_created_at
			ON placements (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_placements_origin
			ON placements (origin_address, created_at)`,
	}

	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// nextCreatedAt returns a timestamp strictly greater than any previously
// returned one. Placement timestamps double as a feed ordering key, so
// ties are not allowed.
func (s *Store) nextCreatedAt() time.Time {
	s.createdMu.Lock()
	defer s.createdMu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
