// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/v1/grid/rect", "200"))
	RecordAPIRequest("GET", "/api/v1/grid/rect", "200", 25*time.Millisecond)
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/v1/grid/rect", "200"))

	if after != before+1 {
		t.Errorf("counter did not increment: before=%f after=%f", before, after)
	}
}

func TestTrackActiveRequest(t *testing.T) {
	base := testutil.ToFloat64(APIActiveRequests)
	TrackActiveRequest(true)
	if got := testutil.ToFloat64(APIActiveRequests); got != base+1 {
		t.Errorf("gauge after inc = %f, want %f", got, base+1)
	}
	TrackActiveRequest(false)
	if got := testutil.ToFloat64(APIActiveRequests); got != base {
		t.Errorf("gauge after dec = %f, want %f", got, base)
	}
}

func TestRecordRejection_Labels(t *testing.T) {
	RecordRejection("dimensions")
	RecordRejection("dimensions")

	var m dto.Metric
	if err := PlacementRejections.WithLabelValues("dimensions").Write(&m); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	if m.GetCounter().GetValue() < 2 {
		t.Errorf("rejection counter = %f, want >= 2", m.GetCounter().GetValue())
	}
}

func TestAllocationSamples_Observes(t *testing.T) {
	AllocationSamples.Observe(3)
	count := testutil.CollectAndCount(AllocationSamples)
	if count == 0 {
		t.Error("histogram did not register any series")
	}
}
