// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package viewport implements the client side of Gridplace: the tile
// cache holding per-cell image handles at two resolutions, the
// level-of-detail controller, the rate-adaptive fetch scheduler, and the
// live placement feed.
//
// The cache is a derived, lossy projection of the server's occupancy
// store. It may be stale between polls; it never claims occupancy on its
// own. Entries are addressed by absolute cell coordinates, which makes
// ingestion idempotent and lets responses for superseded viewports merge
// harmlessly.
package viewport

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/metrics"
)

// LoadState tracks an asset through its load lifecycle.
type LoadState int

// Thumbnail states. StateUnrequested doubles as the full-image "absent"
// state; the two tiers share the same progression.
const (
	StateUnrequested LoadState = iota
	StateLoading
	StateReady
)

// AssetLoader fetches image bytes by URL. Loads run asynchronously; the
// cache calls Load from its own goroutines.
type AssetLoader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// entry is one cell's cached state. lastUsed is a logical clock tick,
// not wall time: eviction needs ordering, not duration.
type entry struct {
	thumbState LoadState
	thumbURL   string
	thumb      []byte

	fullState LoadState
	fullURL   string
	full      []byte

	lastUsed uint64
}

// Tile is the read-only snapshot handed to the renderer.
type Tile struct {
	Cell       grid.Cell
	ThumbState LoadState
	Thumb      []byte
	FullState  LoadState
	Full       []byte
	FullURL    string
}

// TileCache holds per-cell assets with pinned-viewport eviction.
type TileCache struct {
	mu      sync.Mutex
	entries map[grid.Cell]*entry
	clock   uint64

	loader     AssetLoader
	capacity   int
	keepMargin int

	// onReady is notified after a load transitions an asset to ready,
	// outside the cache lock. The renderer uses it as a redraw signal.
	onReady func(grid.Cell)
}

// NewTileCache creates a cache with the given soft capacity and keep-set
// margin. onReady may be nil.
func NewTileCache(loader AssetLoader, capacity, keepMargin int, onReady func(grid.Cell)) *TileCache {
	return &TileCache{
		entries:    make(map[grid.Cell]*entry),
		loader:     loader,
		capacity:   capacity,
		keepMargin: keepMargin,
		onReady:    onReady,
	}
}

// EnsureThumbnail makes sure the cell's thumbnail is loaded or loading.
//
// Absent entry: create it and start an asynchronous load. Same URL again:
// only refresh lastUsed, never a second load. Different URL: restart the
// load as a content replacement (cannot happen with content-derived
// handles, but the contract tolerates it).
func (c *TileCache) EnsureThumbnail(cell grid.Cell, url string) {
	c.mu.Lock()

	e, ok := c.entries[cell]
	if ok && e.thumbURL == url {
		e.lastUsed = c.tick()
		c.mu.Unlock()
		metrics.TileCacheHits.Inc()
		return
	}

	if !ok {
		e = &entry{}
		c.entries[cell] = e
		metrics.TileCacheMisses.Inc()
	}
	e.thumbURL = url
	e.thumbState = StateLoading
	e.thumb = nil
	e.lastUsed = c.tick()
	c.mu.Unlock()

	go c.load(cell, url, false)
}

// EnsureFull makes sure the cell's full-resolution asset is loaded or
// loading. No-op without an existing thumbnail entry: full images are
// never loaded ahead of thumbnails. The loading state guards against
// duplicate concurrent loads.
func (c *TileCache) EnsureFull(cell grid.Cell, url string) {
	c.mu.Lock()

	e, ok := c.entries[cell]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.lastUsed = c.tick()
	if e.fullState != StateUnrequested && e.fullURL == url {
		c.mu.Unlock()
		return
	}
	e.fullURL = url
	e.fullState = StateLoading
	e.full = nil
	c.mu.Unlock()

	go c.load(cell, url, true)
}

// load fetches url and installs the result, provided the entry still
// wants this URL by the time the fetch returns.
func (c *TileCache) load(cell grid.Cell, url string, full bool) {
	data, err := c.loader.Load(context.Background(), url)

	c.mu.Lock()
	e, ok := c.entries[cell]
	if !ok {
		// Evicted mid-load; drop the bytes.
		c.mu.Unlock()
		return
	}

	if full {
		if e.fullURL != url {
			c.mu.Unlock()
			return
		}
		if err != nil {
			e.fullState = StateUnrequested
			c.mu.Unlock()
			logging.Debug().Int("x", cell.X).Int("y", cell.Y).Err(err).Msg("full image load failed")
			return
		}
		e.full = data
		e.fullState = StateReady
	} else {
		if e.thumbURL != url {
			c.mu.Unlock()
			return
		}
		if err != nil {
			e.thumbState = StateUnrequested
			c.mu.Unlock()
			logging.Debug().Int("x", cell.X).Int("y", cell.Y).Err(err).Msg("thumbnail load failed")
			return
		}
		e.thumb = data
		e.thumbState = StateReady
	}
	c.mu.Unlock()

	if c.onReady != nil {
		c.onReady(cell)
	}
}

// Touch refreshes the cell's eviction rank. Unknown cells are ignored.
func (c *TileCache) Touch(cell grid.Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[cell]; ok {
		e.lastUsed = c.tick()
	}
}

// Get returns a snapshot of the cell's cached state.
func (c *TileCache) Get(cell grid.Cell) (Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cell]
	if !ok {
		return Tile{}, false
	}
	return Tile{
		Cell:       cell,
		ThumbState: e.thumbState,
		Thumb:      e.thumb,
		FullState:  e.fullState,
		Full:       e.full,
		FullURL:    e.fullURL,
	}, true
}

// Len returns the number of cached entries.
func (c *TileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EvictOutside brings the cache back under capacity. The keep-set, the
// viewport expanded by the configured margin, is pinned: its cells
// survive regardless of recency, because the active viewport must always
// stay resident. Among everything else, least-recently-used entries go
// first. The cache may remain over capacity if the keep-set alone
// exceeds it.
func (c *TileCache) EvictOutside(viewport grid.Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) <= c.capacity {
		return
	}

	keep := viewport.Expand(c.keepMargin)

	type victim struct {
		cell     grid.Cell
		lastUsed uint64
	}
	candidates := make([]victim, 0, len(c.entries))
	for cell, e := range c.entries {
		if keep.Contains(cell) {
			continue
		}
		candidates = append(candidates, victim{cell: cell, lastUsed: e.lastUsed})
	}

	// Oldest first. A full sort is avoidable but the candidate set is
	// bounded by the cache cap, and eviction runs only after ingests.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed < candidates[j].lastUsed
	})

	evicted := 0
	for _, v := range candidates {
		if len(c.entries) <= c.capacity {
			break
		}
		delete(c.entries, v.cell)
		evicted++
	}

	if evicted > 0 {
		metrics.TileCacheEvictions.Add(float64(evicted))
		logging.Debug().Int("evicted", evicted).Int("resident", len(c.entries)).Msg("tile cache eviction pass")
	}
}

// tick advances the logical clock. Caller holds c.mu.
func (c *TileCache) tick() uint64 {
	c.clock++
	return c.clock
}
