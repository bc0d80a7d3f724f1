// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package upload

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BurstLimiter implements per-origin upload rate limiting with automatic
// cleanup of idle entries. It covers the short-horizon quota; the daily
// cap is accounted against the occupancy store instead, because it must
// survive restarts.
type BurstLimiter struct {
	limiters  map[string]*burstLimiterEntry
	mu        sync.Mutex
	rate      rate.Limit
	burst     int
	stopClean chan struct{}
	stopOnce  sync.Once
}

// burstLimiterEntry wraps a rate limiter with last access time.
type burstLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewBurstLimiter allows burstPerWindow uploads per origin per window,
// refilling continuously.
func NewBurstLimiter(burstPerWindow int, window time.Duration) *BurstLimiter {
	return &BurstLimiter{
		limiters:  make(map[string]*burstLimiterEntry),
		rate:      rate.Every(window / time.Duration(burstPerWindow)),
		burst:     burstPerWindow,
		stopClean: make(chan struct{}),
	}
}

// Allow checks whether an upload from the given origin is within quota.
func (bl *BurstLimiter) Allow(origin string) bool {
	bl.mu.Lock()
	entry, exists := bl.limiters[origin]
	if !exists {
		entry = &burstLimiterEntry{
			limiter:    rate.NewLimiter(bl.rate, bl.burst),
			lastAccess: time.Now(),
		}
		bl.limiters[origin] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	limiter := entry.limiter
	bl.mu.Unlock()

	return limiter.Allow()
}

// StartCleanup periodically removes limiters idle for over an hour.
func (bl *BurstLimiter) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bl.cleanup()
			case <-bl.stopClean:
				return
			}
		}
	}()
}

func (bl *BurstLimiter) cleanup() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	threshold := time.Now().Add(-1 * time.Hour)
	for origin, entry := range bl.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(bl.limiters, origin)
		}
	}
}

// Stop stops the cleanup goroutine.
func (bl *BurstLimiter) Stop() {
	bl.stopOnce.Do(func() {
		close(bl.stopClean)
	})
}
