// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package metrics provides Prometheus instrumentation for Gridplace:
// placement commits and conflicts, blob storage, websocket fan-out,
// API latency, and viewport tile-cache efficiency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Placement metrics
	PlacementsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_placements_committed_total",
			Help: "Total number of placements committed to the grid",
		},
	)

	PlacementConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_placement_conflicts_total",
			Help: "Total number of placement attempts rejected because the cell was taken",
		},
	)

	PlacementRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridplace_placement_rejections_total",
			Help: "Total number of uploads rejected before commit",
		},
		[]string{"reason"}, // no_file, wrong_type, too_large, dimensions, caption, quota, no_free_slot, storage
	)

	AllocationSamples = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridplace_allocation_samples",
			Help:    "Random cells drawn before a free slot was found",
			Buckets: []float64{1, 2, 4, 8, 16, 64, 256, 1024, 4096, 8000},
		},
	)

	// Occupancy store metrics
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridplace_store_query_duration_seconds",
			Help:    "Duration of occupancy store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreDegradedReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridplace_store_degraded_reads_total",
			Help: "Query-path storage faults absorbed as empty results",
		},
		[]string{"operation"},
	)

	// Blob store metrics
	BlobBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridplace_blob_bytes_written_total",
			Help: "Bytes written to the content-addressed blob store",
		},
		[]string{"role"}, // orig, thumb
	)

	BlobRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_blob_rollbacks_total",
			Help: "Best-effort blob deletions performed as upload rollback",
		},
	)

	// Live update channel metrics
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridplace_ws_clients",
			Help: "Currently connected websocket subscribers",
		},
	)

	WSBroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_ws_broadcasts_dropped_total",
			Help: "Broadcast messages dropped because a subscriber buffer was full",
		},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridplace_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridplace_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridplace_api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// Viewport client metrics (exported when the client runs embedded)
	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_tile_cache_hits_total",
			Help: "Tile cache ingests that refreshed an existing entry",
		},
	)

	TileCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_tile_cache_misses_total",
			Help: "Tile cache ingests that created a new entry",
		},
	)

	TileCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridplace_tile_cache_evictions_total",
			Help: "Tile cache entries evicted outside the viewport keep-set",
		},
	)

	FetchBackoffLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridplace_fetch_backoff_seconds",
			Help: "Current viewport fetch scheduler backoff delay in seconds",
		},
	)
)

// RecordAPIRequest records metrics for a completed API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge.
func TrackActiveRequest(active bool) {
	if active {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordRejection counts an upload rejection by taxonomy reason.
func RecordRejection(reason string) {
	PlacementRejections.WithLabelValues(reason).Inc()
}
