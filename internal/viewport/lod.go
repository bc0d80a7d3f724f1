// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package viewport

import (
	"context"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/logging"
)

// LOD identifies which resolution tier the renderer should draw.
type LOD int

const (
	// LODNone means no asset is ready; the cell renders blank until one
	// arrives.
	LODNone LOD = iota
	LODThumbnail
	LODFull
)

// CellLookup resolves a single cell to its placement, used when a
// promotion needs the full-image URL and the cache doesn't know it yet.
type CellLookup interface {
	QueryCell(ctx context.Context, cell grid.Cell) (*grid.FeedEntry, error)
}

// LODController decides per cell whether the thumbnail or the full image
// should display, and triggers full-image loads when a cell is promoted.
type LODController struct {
	cache    *TileCache
	lookup   CellLookup
	switchPx int
}

// NewLODController creates a controller with the given pixel threshold:
// a cell rendered at switchPx pixels or larger is promoted to the full
// image. Mobile deployments pass a larger threshold to delay costly
// full loads.
func NewLODController(cache *TileCache, lookup CellLookup, switchPx int) *LODController {
	return &LODController{
		cache:    cache,
		lookup:   lookup,
		switchPx: switchPx,
	}
}

// Observe handles one visible cell at the current zoom. tilePixels is
// the on-screen edge length of a cell. When the threshold is met and the
// full image isn't ready, the load is triggered: from the cached URL if
// one is known, otherwise after a targeted single-cell lookup.
func (l *LODController) Observe(ctx context.Context, cell grid.Cell, tilePixels int) {
	l.cache.Touch(cell)

	if tilePixels < l.switchPx {
		return
	}

	tile, ok := l.cache.Get(cell)
	if !ok || tile.FullState != StateUnrequested {
		return
	}

	if tile.FullURL != "" {
		l.cache.EnsureFull(cell, tile.FullURL)
		return
	}

	entry, err := l.lookup.QueryCell(ctx, cell)
	if err != nil {
		// Promotion is an optimization; the thumbnail keeps rendering.
		logging.Debug().Int("x", cell.X).Int("y", cell.Y).Err(err).Msg("cell lookup for promotion failed")
		return
	}
	if entry == nil || entry.OrigURL == "" {
		return
	}
	l.cache.EnsureFull(cell, entry.OrigURL)
}

// Pick returns the best ready asset for rendering: full if the cell
// meets the threshold and the full image is ready, else the thumbnail if
// ready, else nothing.
func (l *LODController) Pick(cell grid.Cell, tilePixels int) (LOD, []byte) {
	tile, ok := l.cache.Get(cell)
	if !ok {
		return LODNone, nil
	}

	if tilePixels >= l.switchPx && tile.FullState == StateReady {
		return LODFull, tile.Full
	}
	if tile.ThumbState == StateReady {
		return LODThumbnail, tile.Thumb
	}
	return LODNone, nil
}
