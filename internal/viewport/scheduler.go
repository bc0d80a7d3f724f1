// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package viewport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/metrics"
)

// ErrRateLimited is returned by a RectFetcher when the server answered
// 429. The scheduler grows its backoff on this error and only this
// error.
var ErrRateLimited = errors.New("rate limited")

// RectFetcher retrieves occupancy rows for a rectangle.
type RectFetcher interface {
	FetchRect(ctx context.Context, r grid.Rect) ([]grid.RectEntry, error)
}

// SchedulerConfig tunes the fetch scheduler.
type SchedulerConfig struct {
	// Halo is the prefetch margin, in cells, added around the visible
	// rectangle.
	Halo int

	// BaseDelay debounces pan/zoom bursts before a fetch fires.
	BaseDelay time.Duration

	// BackoffFloor and BackoffCeil bound the rate-limit backoff. The
	// backoff doubles on every 429 and resets to zero on success.
	BackoffFloor time.Duration
	BackoffCeil  time.Duration

	// ErrorRetry is the fixed delay after non-rate-limit failures.
	ErrorRetry time.Duration
}

// schedState is the scheduler's position in its state machine.
type schedState int

const (
	schedIdle schedState = iota
	schedScheduled
	schedInFlight
)

// FetchScheduler reconciles viewport polling with network pressure.
//
// Every pan/zoom/resize replaces the pending viewport (last-requested
// wins) and debounce-schedules a fetch at baseDelay + current backoff.
// Results for superseded viewports are still ingested: cache entries are
// addressed by absolute cell coordinates, so staleness costs bandwidth,
// never correctness.
type FetchScheduler struct {
	fetcher RectFetcher
	cache   *TileCache
	cfg     SchedulerConfig

	mu       sync.Mutex
	state    schedState
	target   grid.Rect // visible rect + halo, last requested wins
	visible  grid.Rect // last visible rect, for the eviction keep-set
	backoff  time.Duration
	hasWork  bool
	deadline time.Time

	kick chan struct{}
}

// NewFetchScheduler creates a scheduler feeding the given cache.
func NewFetchScheduler(fetcher RectFetcher, cache *TileCache, cfg SchedulerConfig) *FetchScheduler {
	return &FetchScheduler{
		fetcher: fetcher,
		cache:   cache,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Viewport records a new visible rectangle and schedules a fetch for it
// plus the prefetch halo. Never blocks: a viewport change supersedes any
// pending schedule rather than waiting on it.
func (s *FetchScheduler) Viewport(visible grid.Rect) {
	s.mu.Lock()
	s.visible = visible
	s.target = visible.Expand(s.cfg.Halo).Clamp()
	s.hasWork = true
	s.deadline = time.Now().Add(s.cfg.BaseDelay + s.backoff)
	if s.state == schedIdle {
		s.state = schedScheduled
	}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Backoff returns the current backoff delay. Zero after a success.
func (s *FetchScheduler) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// Run drives the scheduler until ctx is canceled. Single goroutine; the
// only suspension points are the debounce timer and the fetch itself.
func (s *FetchScheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		hasWork := s.hasWork
		deadline := s.deadline
		s.mu.Unlock()

		if !hasWork {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
				continue
			}
		}

		if wait := time.Until(deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.kick:
				// Viewport superseded; re-read the deadline.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		s.fetchOnce(ctx)
	}
}

// fetchOnce performs one fetch for the current target and applies the
// state-machine transition for its outcome.
func (s *FetchScheduler) fetchOnce(ctx context.Context) {
	s.mu.Lock()
	target := s.target
	visible := s.visible
	s.hasWork = false
	s.state = schedInFlight
	s.mu.Unlock()

	rows, err := s.fetcher.FetchRect(ctx, target)

	s.mu.Lock()
	switch {
	case err == nil:
		s.backoff = 0
		if !s.hasWork {
			s.state = schedIdle
		} else {
			s.state = schedScheduled
		}
	case errors.Is(err, ErrRateLimited):
		// Never drop the request: reschedule with doubled backoff.
		if s.backoff == 0 {
			s.backoff = s.cfg.BackoffFloor
		} else {
			s.backoff *= 2
		}
		if s.backoff > s.cfg.BackoffCeil {
			s.backoff = s.cfg.BackoffCeil
		}
		s.hasWork = true
		s.deadline = time.Now().Add(s.cfg.BaseDelay + s.backoff)
		s.state = schedScheduled
		logging.Debug().Dur("backoff", s.backoff).Msg("viewport fetch rate limited")
	default:
		// Transient failure: fixed retry delay, backoff untouched.
		s.hasWork = true
		s.deadline = time.Now().Add(s.cfg.ErrorRetry)
		s.state = schedScheduled
		logging.Debug().Err(err).Msg("viewport fetch failed")
	}
	metrics.FetchBackoffLevel.Set(s.backoff.Seconds())
	s.mu.Unlock()

	if err != nil {
		return
	}

	// Ingest, then a synchronous eviction pass. The two never run
	// concurrently with each other; the run loop serializes fetches.
	for _, row := range rows {
		s.cache.EnsureThumbnail(grid.Cell{X: row.X, Y: row.Y}, row.ThumbURL)
	}
	s.cache.EvictOutside(visible)
}
