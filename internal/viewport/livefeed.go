// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package viewport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/logging"
)

const (
	// reconnectDelay paces reconnection attempts. No backoff growth:
	// a lost live feed only delays freshness, polling still reconciles.
	reconnectDelay = 2 * time.Second

	// recencyRingCap bounds the in-memory recency feed.
	recencyRingCap = 100
)

// liveMessage mirrors the server's websocket message frame.
type liveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// LiveFeed subscribes to the server's placement push stream and feeds
// placements straight into the tile cache and a bounded recency ring.
//
// Missed messages are not replayed: after a disconnect the next
// scheduler poll reconciles whatever happened while the feed was down.
type LiveFeed struct {
	wsURL string
	cache *TileCache

	mu     sync.Mutex
	recent []grid.FeedEntry
}

// NewLiveFeed creates a feed for the API at baseURL, e.g.
// "http://localhost:4117". The websocket endpoint is derived from it.
func NewLiveFeed(baseURL string, cache *TileCache) *LiveFeed {
	wsURL := strings.TrimRight(baseURL, "/") + "/api/v1/ws"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	return &LiveFeed{
		wsURL: wsURL,
		cache: cache,
	}
}

// Run connects and reads until ctx is canceled, reconnecting after
// connection loss.
func (f *LiveFeed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := f.readOnce(ctx); err != nil {
			logging.Debug().Err(err).Msg("live feed disconnected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// readOnce dials the feed and consumes messages until the connection
// drops or ctx is canceled.
func (f *LiveFeed) readOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	logging.Info().Str("url", f.wsURL).Msg("live feed connected")

	// Close the socket when ctx cancels so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn().Err(err).Msg("malformed live feed message")
			continue
		}
		if msg.Type != "placement" {
			continue
		}

		var entry grid.FeedEntry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			logging.Warn().Err(err).Msg("malformed placement payload")
			continue
		}
		f.ingest(entry)
	}
}

// ingest pushes one placement into the cache and the recency ring.
// Ingestion is idempotent, so a placement arriving via both push and
// poll is harmless.
func (f *LiveFeed) ingest(entry grid.FeedEntry) {
	if entry.ThumbURL != "" {
		f.cache.EnsureThumbnail(grid.Cell{X: entry.X, Y: entry.Y}, entry.ThumbURL)
	}

	f.mu.Lock()
	f.recent = append(f.recent, entry)
	if len(f.recent) > recencyRingCap {
		f.recent = f.recent[len(f.recent)-recencyRingCap:]
	}
	f.mu.Unlock()
}

// Recent returns the buffered recency feed, oldest first.
func (f *LiveFeed) Recent() []grid.FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]grid.FeedEntry, len(f.recent))
	copy(out, f.recent)
	return out
}
