// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/metrics"
)

// RectRow is the minimal per-cell projection of a rectangle query. Only
// the thumbnail key travels with viewport polls; the original-image key
// is served exclusively by the single-cell lookup.
type RectRow struct {
	X        int
	Y        int
	ThumbKey string
}

// Recent query limits. Requests outside the range are clamped, not
// rejected.
const (
	RecentLimitMin     = 1
	RecentLimitMax     = 200
	RecentLimitDefault = 50
)

// TryPlace attempts to commit a placement into its cell. On success the
// placement's CreatedAt is overwritten with a store-assigned, strictly
// increasing timestamp. Returns ErrCellTaken if the cell is occupied.
//
// Uniqueness is resolved inside DuckDB: the (x, y) primary key plus
// ON CONFLICT DO NOTHING means concurrent attempts on one cell produce
// exactly one inserted row, with losers observing zero rows affected.
func (s *Store) TryPlace(ctx context.Context, p *grid.Placement) error {
	if !p.InBounds() {
		return fmt.Errorf("cell (%d,%d) out of bounds", p.X, p.Y)
	}

	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("try_place").Observe(time.Since(start).Seconds())
	}()

	createdAt := s.nextCreatedAt()

	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO placements (x, y, caption, created_at, origin_address, thumb_key, orig_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (x, y) DO NOTHING`,
		p.X, p.Y, p.Caption, createdAt, p.OriginAddress, p.ThumbKey, p.OrigKey)
	if err != nil {
		return fmt.Errorf("failed to insert placement: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		metrics.PlacementConflicts.Inc()
		return ErrCellTaken
	}

	p.CreatedAt = createdAt
	metrics.PlacementsCommitted.Inc()
	return nil
}

// QueryCell returns the placement at a cell, or ErrNotFound if the cell
// is empty. Unlike rectangle queries this surfaces storage errors: the
// caller asked about one specific cell and deserves a real answer.
func (s *Store) QueryCell(ctx context.Context, c grid.Cell) (*grid.Placement, error) {
	if !c.InBounds() {
		return nil, fmt.Errorf("cell (%d,%d) out of bounds", c.X, c.Y)
	}

	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("query_cell").Observe(time.Since(start).Seconds())
	}()

	p := &grid.Placement{}
	err := s.conn.QueryRowContext(ctx, `
		SELECT x, y, caption, created_at, origin_address, thumb_key, orig_key
		FROM placements
		WHERE x = ? AND y = ?`,
		c.X, c.Y).Scan(&p.X, &p.Y, &p.Caption, &p.CreatedAt, &p.OriginAddress, &p.ThumbKey, &p.OrigKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cell (%d,%d): %w", c.X, c.Y, err)
	}

	return p, nil
}

// QueryRect returns the occupied cells inside the rectangle after
// clamping it to the grid. Reversed or fully out-of-bounds rectangles
// yield an empty result.
//
// Rectangle reads are degraded, never failed: a storage fault returns an
// empty slice with degraded=true so viewport polling keeps rendering
// whatever it already has instead of blanking on errors.
func (s *Store) QueryRect(ctx context.Context, r grid.Rect) (rows []RectRow, degraded bool) {
	if r.Empty() {
		return nil, false
	}
	r = r.Clamp()
	if r.Empty() {
		return nil, false
	}

	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("query_rect").Observe(time.Since(start).Seconds())
	}()

	result, err := s.conn.QueryContext(ctx, `
		SELECT x, y, thumb_key
		FROM placements
		WHERE x BETWEEN ? AND ? AND y BETWEEN ? AND ?
		ORDER BY y, x`,
		r.X0, r.X1, r.Y0, r.Y1)
	if err != nil {
		s.degradeRead("query_rect", err)
		return nil, true
	}
	defer closeWithLog(result, "rect query rows")

	for result.Next() {
		var row RectRow
		if err := result.Scan(&row.X, &row.Y, &row.ThumbKey); err != nil {
			s.degradeRead("query_rect", err)
			return nil, true
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		s.degradeRead("query_rect", err)
		return nil, true
	}

	return rows, false
}

// QueryRecent returns up to limit placements ordered oldest first, so
// that a client replaying the feed ingests them in commit order. The
// limit is clamped to [RecentLimitMin, RecentLimitMax]; zero or negative
// selects the default.
//
// Like QueryRect this degrades on storage faults rather than failing.
func (s *Store) QueryRecent(ctx context.Context, limit int) (placements []grid.Placement, degraded bool) {
	if limit <= 0 {
		limit = RecentLimitDefault
	}
	if limit < RecentLimitMin {
		limit = RecentLimitMin
	}
	if limit > RecentLimitMax {
		limit = RecentLimitMax
	}

	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("query_recent").Observe(time.Since(start).Seconds())
	}()

	// The newest N rows, then flipped to ascending commit order.
	result, err := s.conn.QueryContext(ctx, `
		SELECT x, y, caption, created_at, thumb_key, orig_key
		FROM (
			SELECT x, y, caption, created_at, thumb_key, orig_key
			FROM placements
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`,
		limit)
	if err != nil {
		s.degradeRead("query_recent", err)
		return nil, true
	}
	defer closeWithLog(result, "recent query rows")

	for result.Next() {
		var p grid.Placement
		if err := result.Scan(&p.X, &p.Y, &p.Caption, &p.CreatedAt, &p.ThumbKey, &p.OrigKey); err != nil {
			s.degradeRead("query_recent", err)
			return nil, true
		}
		placements = append(placements, p)
	}
	if err := result.Err(); err != nil {
		s.degradeRead("query_recent", err)
		return nil, true
	}

	return placements, false
}

// CountSince returns the number of placements committed by one origin
// address at or after the given time. Used for daily quota accounting.
func (s *Store) CountSince(ctx context.Context, originAddress string, since time.Time) (int, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("count_since").Observe(time.Since(start).Seconds())
	}()

	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM placements
		WHERE origin_address = ? AND created_at >= ?`,
		originAddress, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count placements for origin: %w", err)
	}
	return count, nil
}

// Occupied returns the total number of occupied cells.
func (s *Store) Occupied(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("occupied").Observe(time.Since(start).Seconds())
	}()

	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM placements`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count placements: %w", err)
	}
	return count, nil
}

// OccupiedCells returns the coordinates of every occupied cell. Called
// once at startup to seed the allocator's occupancy view; steady-state
// updates flow through placement commits, not repeated scans.
func (s *Store) OccupiedCells(ctx context.Context) ([]grid.Cell, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("occupied_cells").Observe(time.Since(start).Seconds())
	}()

	result, err := s.conn.QueryContext(ctx, `SELECT x, y FROM placements`)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied cells: %w", err)
	}
	defer closeWithLog(result, "occupied cells rows")

	var cells []grid.Cell
	for result.Next() {
		var c grid.Cell
		if err := result.Scan(&c.X, &c.Y); err != nil {
			return nil, fmt.Errorf("failed to scan occupied cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate occupied cells: %w", err)
	}
	return cells, nil
}

// Delete removes the placement at a cell. This exists solely as rollback
// compensation inside the upload pipeline; the public API exposes no
// deletion, and callers must only invoke it on rows they just inserted.
func (s *Store) Delete(ctx context.Context, c grid.Cell) error {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM placements WHERE x = ? AND y = ?`, c.X, c.Y); err != nil {
		return fmt.Errorf("failed to delete placement at (%d,%d): %w", c.X, c.Y, err)
	}
	return nil
}

// degradeRead records a read-path storage fault that was absorbed as an
// empty result.
func (s *Store) degradeRead(operation string, err error) {
	metrics.StoreDegradedReads.WithLabelValues(operation).Inc()
	logging.Warn().Str("operation", operation).Err(err).Msg("Storage read degraded to empty result")
}
