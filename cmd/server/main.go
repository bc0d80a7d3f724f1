// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package main is the entry point for the Gridplace server.
//
// Gridplace serves a fixed 1000x1000 image grid. Each cell holds at most
// one immutable uploaded image; concurrent uploads targeting the same
// cell are resolved atomically in the occupancy store, and committed
// placements fan out to websocket subscribers while viewport clients
// poll spatial queries with rate-adaptive backoff.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml,
//     GRIDPLACE_* environment variables)
//  2. Logging: global zerolog with request/correlation ID context
//  3. Occupancy store: DuckDB with the unique-cell placements table
//  4. Blob store: BadgerDB content-addressed assets
//  5. Slot allocator: occupancy bitmap seeded from the store
//  6. Upload pipeline: validation, quotas, thumbnailing, atomic commit
//  7. Supervision: suture tree running the websocket hub and the HTTP
//     server
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests (10s timeout), the hub closes all subscribers, and
// both stores are closed.
//
// # Example Usage
//
//	export GRIDPLACE_DATABASE__PATH=/data/gridplace.duckdb
//	export GRIDPLACE_BLOB__PATH=/data/blobs
//	export GRIDPLACE_SERVER__PORT=4117
//	./gridplace
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/gridplace/internal/allocator"
	"github.com/tomtom215/gridplace/internal/api"
	"github.com/tomtom215/gridplace/internal/blob"
	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/imaging"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/store"
	"github.com/tomtom215/gridplace/internal/supervisor"
	"github.com/tomtom215/gridplace/internal/supervisor/services"
	"github.com/tomtom215/gridplace/internal/upload"
	"github.com/tomtom215/gridplace/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("database", cfg.Database.Path).
		Str("blobs", cfg.Blob.Path).
		Msg("starting gridplace")

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening occupancy store: %w", err)
	}
	defer closeQuietly("occupancy store", st.Close)

	blobs, err := blob.New(&cfg.Blob)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer closeQuietly("blob store", blobs.Close)

	alloc, err := seedAllocator(st, cfg.Upload.SampleBudget)
	if err != nil {
		return fmt.Errorf("seeding allocator: %w", err)
	}

	hub := websocket.NewHub()

	limiter := upload.NewBurstLimiter(cfg.Upload.BurstPerMinute, time.Minute)
	limiter.StartCleanup(time.Hour)
	uploads := upload.NewService(st, blobs, alloc, imaging.NewBoxTransformer(), hub, limiter, &cfg.Upload)
	defer uploads.Close()

	handler := api.NewHandler(st, blobs, uploads, hub, cfg)
	router := api.NewRouter(handler, cfg)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("building supervisor tree: %w", err)
	}
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("supervisor tree starting")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	logging.Info().Msg("gridplace stopped")
	return nil
}

// seedAllocator loads the committed placements into the in-memory
// occupancy bitmap. The bitmap is advisory; the store's atomic insert
// remains the arbiter, so a stale bit only costs one extra attempt.
func seedAllocator(st *store.Store, sampleBudget int) (*allocator.Allocator, error) {
	occupancy := allocator.NewOccupancy()

	cells, err := st.OccupiedCells(context.Background())
	if err != nil {
		return nil, err
	}
	for _, c := range cells {
		occupancy.Mark(c)
	}

	logging.Info().Int("occupied", occupancy.Count()).Msg("allocator seeded")
	return allocator.New(occupancy, sampleBudget), nil
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Warn().Err(err).Str("component", name).Msg("close failed")
	}
}
