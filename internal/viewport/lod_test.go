// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package viewport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/gridplace/internal/grid"
)

// fakeLookup answers single-cell queries from a map and counts calls.
type fakeLookup struct {
	mu      sync.Mutex
	entries map[grid.Cell]*grid.FeedEntry
	err     error
	calls   int
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{entries: make(map[grid.Cell]*grid.FeedEntry)}
}

func (f *fakeLookup) QueryCell(ctx context.Context, cell grid.Cell) (*grid.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[cell], nil
}

func (f *fakeLookup) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const testSwitchPx = 80

func TestObserve_BelowThresholdStaysThumbnail(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	lookup := newFakeLookup()
	ctrl := NewLODController(cache, lookup, testSwitchPx)
	cell := grid.Cell{X: 1, Y: 1}

	cache.EnsureThumbnail(cell, "/assets/a.thumb.jpg")
	waitReady(t, cache, cell, false)

	ctrl.Observe(context.Background(), cell, testSwitchPx-1)
	time.Sleep(20 * time.Millisecond)

	if lookup.callCount() != 0 {
		t.Error("lookup queried below the promotion threshold")
	}
	tile, _ := cache.Get(cell)
	if tile.FullState != StateUnrequested {
		t.Error("full load started below the promotion threshold")
	}
}

func TestObserve_PromotesFromCachedURL(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	lookup := newFakeLookup()
	ctrl := NewLODController(cache, lookup, testSwitchPx)
	cell := grid.Cell{X: 2, Y: 2}

	cache.EnsureThumbnail(cell, "/assets/b.thumb.jpg")
	waitReady(t, cache, cell, false)

	// A previous promotion resolved the URL but its load failed, leaving
	// the URL cached with the state reset. The retry must reuse the URL
	// instead of re-querying.
	loader.mu.Lock()
	loader.fail = true
	loader.mu.Unlock()
	cache.EnsureFull(cell, "/assets/b.orig.png")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tile, ok := cache.Get(cell); ok && tile.FullState == StateUnrequested && tile.FullURL != "" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	loader.mu.Lock()
	loader.fail = false
	loader.mu.Unlock()

	ctrl.Observe(context.Background(), cell, testSwitchPx)
	waitReady(t, cache, cell, true)

	if lookup.callCount() != 0 {
		t.Error("lookup queried although the full URL was cached")
	}
}

func TestObserve_LooksUpUnknownURL(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	lookup := newFakeLookup()
	ctrl := NewLODController(cache, lookup, testSwitchPx)
	cell := grid.Cell{X: 3, Y: 3}
	lookup.entries[cell] = &grid.FeedEntry{
		X: 3, Y: 3,
		ThumbURL: "/assets/c.thumb.jpg",
		OrigURL:  "/assets/c.orig.png",
	}

	cache.EnsureThumbnail(cell, "/assets/c.thumb.jpg")
	waitReady(t, cache, cell, false)

	ctrl.Observe(context.Background(), cell, testSwitchPx+40)
	waitReady(t, cache, cell, true)

	if lookup.callCount() != 1 {
		t.Errorf("lookup calls = %d, want 1", lookup.callCount())
	}
	tile, _ := cache.Get(cell)
	if string(tile.Full) != "/assets/c.orig.png" {
		t.Errorf("full bytes = %q, want content from the resolved URL", tile.Full)
	}
}

func TestObserve_LookupFailureKeepsThumbnail(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	lookup := newFakeLookup()
	lookup.err = errors.New("network down")
	ctrl := NewLODController(cache, lookup, testSwitchPx)
	cell := grid.Cell{X: 4, Y: 4}

	cache.EnsureThumbnail(cell, "/assets/d.thumb.jpg")
	waitReady(t, cache, cell, false)

	ctrl.Observe(context.Background(), cell, testSwitchPx)

	lod, data := ctrl.Pick(cell, testSwitchPx)
	if lod != LODThumbnail {
		t.Errorf("Pick = %v after failed promotion, want LODThumbnail", lod)
	}
	if string(data) != "/assets/d.thumb.jpg" {
		t.Errorf("Pick data = %q, want thumbnail bytes", data)
	}
}

func TestObserve_EmptyCellNoPromotion(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	lookup := newFakeLookup()
	ctrl := NewLODController(cache, lookup, testSwitchPx)
	cell := grid.Cell{X: 5, Y: 5}

	cache.EnsureThumbnail(cell, "/assets/e.thumb.jpg")
	waitReady(t, cache, cell, false)

	// Lookup answers nil: the placement vanished from the server's view
	// (or the row was a stale poll artifact). Nothing to promote.
	ctrl.Observe(context.Background(), cell, testSwitchPx)
	time.Sleep(20 * time.Millisecond)

	tile, _ := cache.Get(cell)
	if tile.FullState != StateUnrequested {
		t.Error("full load started for a cell the lookup could not resolve")
	}
}

func TestPick_Tiers(t *testing.T) {
	loader := newCountingLoader()
	cache := NewTileCache(loader, 100, 2, nil)
	ctrl := NewLODController(cache, newFakeLookup(), testSwitchPx)
	cell := grid.Cell{X: 6, Y: 6}

	if lod, _ := ctrl.Pick(cell, testSwitchPx); lod != LODNone {
		t.Errorf("Pick on unknown cell = %v, want LODNone", lod)
	}

	cache.EnsureThumbnail(cell, "/assets/g.thumb.jpg")
	waitReady(t, cache, cell, false)

	if lod, _ := ctrl.Pick(cell, testSwitchPx-1); lod != LODThumbnail {
		t.Error("ready thumbnail below threshold should pick LODThumbnail")
	}
	// At the threshold but without a ready full image, the thumbnail
	// still renders rather than going blank.
	if lod, _ := ctrl.Pick(cell, testSwitchPx); lod != LODThumbnail {
		t.Error("threshold without ready full image should pick LODThumbnail")
	}

	cache.EnsureFull(cell, "/assets/g.orig.png")
	waitReady(t, cache, cell, true)

	if lod, data := ctrl.Pick(cell, testSwitchPx); lod != LODFull || string(data) != "/assets/g.orig.png" {
		t.Errorf("Pick at threshold = (%v, %q), want full image", lod, data)
	}
	// Zooming back out demotes to the thumbnail even with the full image
	// resident.
	if lod, _ := ctrl.Pick(cell, testSwitchPx-1); lod != LODThumbnail {
		t.Error("below threshold should pick LODThumbnail even when full is ready")
	}
}
