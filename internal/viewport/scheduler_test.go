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

// scriptedFetcher returns canned outcomes in order and records the
// rectangles it was asked for.
type scriptedFetcher struct {
	mu       sync.Mutex
	script   []error
	rows     []grid.RectEntry
	requests []grid.Rect
	calls    int
}

func (f *scriptedFetcher) FetchRect(ctx context.Context, r grid.Rect) ([]grid.RectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	var err error
	if f.calls < len(f.script) {
		err = f.script[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return f.rows, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFetcher) lastRequest() grid.Rect {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return grid.Rect{}
	}
	return f.requests[len(f.requests)-1]
}

func fastConfig() SchedulerConfig {
	return SchedulerConfig{
		Halo:         12,
		BaseDelay:    time.Millisecond,
		BackoffFloor: 30 * time.Millisecond,
		BackoffCeil:  240 * time.Millisecond,
		ErrorRetry:   5 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, f RectFetcher, cache *TileCache, cfg SchedulerConfig) *FetchScheduler {
	t.Helper()

	s := NewFetchScheduler(f, cache, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return s
}

func waitCalls(t *testing.T, f *scriptedFetcher, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() < n && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if f.callCount() < n {
		t.Fatalf("fetch calls = %d, want >= %d", f.callCount(), n)
	}
}

func TestScheduler_FetchesVisiblePlusHalo(t *testing.T) {
	fetcher := &scriptedFetcher{
		rows: []grid.RectEntry{{X: 100, Y: 100, ThumbURL: "/assets/t.jpg"}},
	}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	s := startScheduler(t, fetcher, cache, fastConfig())

	s.Viewport(grid.Rect{X0: 100, Y0: 100, X1: 110, Y1: 110})
	waitCalls(t, fetcher, 1)

	want := grid.Rect{X0: 88, Y0: 88, X1: 122, Y1: 122}
	if got := fetcher.lastRequest(); got != want {
		t.Errorf("fetched rect = %+v, want visible+halo %+v", got, want)
	}

	// Returned rows were ingested.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get(grid.Cell{X: 100, Y: 100}); ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Error("fetched row never ingested into cache")
}

func TestScheduler_HaloClampedAtEdges(t *testing.T) {
	fetcher := &scriptedFetcher{}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	s := startScheduler(t, fetcher, cache, fastConfig())

	s.Viewport(grid.Rect{X0: 0, Y0: 0, X1: 5, Y1: 5})
	waitCalls(t, fetcher, 1)

	got := fetcher.lastRequest()
	if got.X0 != 0 || got.Y0 != 0 {
		t.Errorf("halo not clamped at origin: %+v", got)
	}
}

func TestScheduler_BackoffDoublesAndCaps(t *testing.T) {
	// Every response is a 429; the backoff must march floor, 2x floor,
	// 4x floor, ... up to the ceiling and stay there.
	fetcher := &scriptedFetcher{script: []error{
		ErrRateLimited, ErrRateLimited, ErrRateLimited, ErrRateLimited,
		ErrRateLimited, ErrRateLimited, ErrRateLimited, ErrRateLimited,
	}}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	cfg := fastConfig()
	s := startScheduler(t, fetcher, cache, cfg)

	s.Viewport(grid.Rect{X0: 0, Y0: 0, X1: 1, Y1: 1})

	waitCalls(t, fetcher, 1)
	waitBackoff := func(want time.Duration) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for s.Backoff() != want && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		if got := s.Backoff(); got != want {
			t.Fatalf("backoff = %v, want %v", got, want)
		}
	}

	waitBackoff(cfg.BackoffFloor)

	waitCalls(t, fetcher, 2)
	waitBackoff(2 * cfg.BackoffFloor)

	waitCalls(t, fetcher, 3)
	waitBackoff(4 * cfg.BackoffFloor)

	// Ceiling: floor*2^n stops at BackoffCeil.
	waitCalls(t, fetcher, 5)
	waitBackoff(cfg.BackoffCeil)

	waitCalls(t, fetcher, 6)
	waitBackoff(cfg.BackoffCeil)
}

func TestScheduler_SuccessResetsBackoff(t *testing.T) {
	fetcher := &scriptedFetcher{script: []error{ErrRateLimited, ErrRateLimited, nil}}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	s := startScheduler(t, fetcher, cache, fastConfig())

	s.Viewport(grid.Rect{X0: 0, Y0: 0, X1: 1, Y1: 1})
	waitCalls(t, fetcher, 3)

	deadline := time.Now().Add(time.Second)
	for s.Backoff() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := s.Backoff(); got != 0 {
		t.Errorf("backoff = %v after success, want 0", got)
	}
}

func TestScheduler_TransientErrorDoesNotGrowBackoff(t *testing.T) {
	netErr := errors.New("connection refused")
	fetcher := &scriptedFetcher{script: []error{netErr, netErr, netErr}}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	s := startScheduler(t, fetcher, cache, fastConfig())

	s.Viewport(grid.Rect{X0: 0, Y0: 0, X1: 1, Y1: 1})
	waitCalls(t, fetcher, 3)

	if got := s.Backoff(); got != 0 {
		t.Errorf("backoff = %v after plain errors, want 0 (fixed retry delay instead)", got)
	}
}

func TestScheduler_LastViewportWins(t *testing.T) {
	fetcher := &scriptedFetcher{}
	cache := NewTileCache(newCountingLoader(), 100, 2, nil)
	cfg := fastConfig()
	cfg.BaseDelay = 50 * time.Millisecond
	s := startScheduler(t, fetcher, cache, cfg)

	// A burst of pans inside the debounce window collapses into one
	// fetch for the final viewport.
	for i := 0; i < 10; i++ {
		s.Viewport(grid.Rect{X0: i * 10, Y0: 0, X1: i*10 + 5, Y1: 5})
	}
	waitCalls(t, fetcher, 1)

	want := (grid.Rect{X0: 90, Y0: 0, X1: 95, Y1: 5}).Expand(12).Clamp()
	if got := fetcher.lastRequest(); got != want {
		t.Errorf("fetched rect = %+v, want final viewport %+v", got, want)
	}

	time.Sleep(100 * time.Millisecond)
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1 (debounced)", fetcher.callCount())
	}
}
