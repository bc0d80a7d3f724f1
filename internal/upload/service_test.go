// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/gridplace/internal/allocator"
	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/imaging"
	"github.com/tomtom215/gridplace/internal/store"
)

// fakeStore is an in-memory OccupancyStore.
type fakeStore struct {
	mu           sync.Mutex
	placements   map[grid.Cell]*grid.Placement
	counts       map[string]int
	failPlaceErr error
	failCountErr error
	clock        time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		placements: make(map[grid.Cell]*grid.Placement),
		counts:     make(map[string]int),
		clock:      time.Now().UTC(),
	}
}

func (f *fakeStore) TryPlace(ctx context.Context, p *grid.Placement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlaceErr != nil {
		return f.failPlaceErr
	}
	if _, taken := f.placements[p.Cell]; taken {
		return store.ErrCellTaken
	}
	f.clock = f.clock.Add(time.Microsecond)
	p.CreatedAt = f.clock
	cp := *p
	f.placements[p.Cell] = &cp
	f.counts[p.OriginAddress]++
	return nil
}

func (f *fakeStore) CountSince(ctx context.Context, origin string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCountErr != nil {
		return 0, f.failCountErr
	}
	return f.counts[origin], nil
}

func (f *fakeStore) Delete(ctx context.Context, c grid.Cell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.placements, c)
	return nil
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	failPut error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return f.failPut
	}
	f.data[key] = data
	return nil
}

func (f *fakeBlobs) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// capturingPublisher records published placements.
type capturingPublisher struct {
	mu        sync.Mutex
	published []grid.Placement
}

func (c *capturingPublisher) PublishPlacement(p grid.Placement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, p)
}

func (c *capturingPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func testUploadConfig() *config.UploadConfig {
	return &config.UploadConfig{
		MaxBytes:       2 << 20,
		MaxDimension:   4000,
		ThumbSize:      40,
		BurstPerMinute: 100,
		DailyCap:       50,
		SampleBudget:   8000,
	}
}

type testHarness struct {
	svc   *Service
	store *fakeStore
	blobs *fakeBlobs
	pub   *capturingPublisher
}

func setupService(t *testing.T, cfg *config.UploadConfig) *testHarness {
	t.Helper()

	if cfg == nil {
		cfg = testUploadConfig()
	}
	st := newFakeStore()
	blobs := newFakeBlobs()
	pub := &capturingPublisher{}
	limiter := NewBurstLimiter(cfg.BurstPerMinute, time.Minute)
	t.Cleanup(limiter.Stop)

	alloc := allocator.New(allocator.NewOccupancy(), cfg.SampleBudget)
	svc := NewService(st, blobs, alloc, imaging.NewBoxTransformer(), pub, limiter, cfg)

	return &testHarness{svc: svc, store: st, blobs: blobs, pub: pub}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestCommit_HappyPath(t *testing.T) {
	h := setupService(t, nil)

	p, err := h.svc.Commit(context.Background(), &Request{
		Data:          pngBytes(t, 64, 64),
		Caption:       "first light",
		OriginAddress: "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if !p.InBounds() {
		t.Errorf("allocated cell %v out of bounds", p.Cell)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
	if p.ThumbKey == "" || p.OrigKey == "" {
		t.Error("blob keys not assigned")
	}
	if h.blobs.count() != 2 {
		t.Errorf("blob count = %d, want 2 (orig + thumb)", h.blobs.count())
	}
	if h.pub.count() != 1 {
		t.Errorf("published = %d, want 1", h.pub.count())
	}
}

func TestCommit_RequestedCellHonoredAndClamped(t *testing.T) {
	h := setupService(t, nil)

	p, err := h.svc.Commit(context.Background(), &Request{
		Data:          pngBytes(t, 8, 8),
		Cell:          &grid.Cell{X: 2000, Y: -3},
		OriginAddress: "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	want := grid.Cell{X: grid.Width - 1, Y: 0}
	if p.Cell != want {
		t.Errorf("cell = %v, want clamped %v", p.Cell, want)
	}
}

func TestCommit_RequestedCellConflict(t *testing.T) {
	h := setupService(t, nil)
	ctx := context.Background()
	target := grid.Cell{X: 5, Y: 5}

	if _, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 8, 8),
		Cell:          &target,
		OriginAddress: "203.0.113.1",
	}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	blobsAfterFirst := h.blobs.count()

	_, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 9, 9),
		Cell:          &target,
		OriginAddress: "203.0.113.2",
	})
	if !errors.Is(err, store.ErrCellTaken) {
		t.Fatalf("got %v, want ErrCellTaken", err)
	}

	// The loser's blobs are rolled back.
	if h.blobs.count() != blobsAfterFirst {
		t.Errorf("blob count = %d, want %d after rollback", h.blobs.count(), blobsAfterFirst)
	}
	if h.pub.count() != 1 {
		t.Errorf("published = %d, want 1", h.pub.count())
	}
}

func TestCommit_AutoReallocatesOnConflict(t *testing.T) {
	h := setupService(t, nil)
	ctx := context.Background()

	// Pre-occupy a cell directly in the store while the allocator still
	// believes it free: the commit race loser must re-allocate.
	stale := grid.Cell{X: 10, Y: 10}
	if err := h.store.TryPlace(ctx, &grid.Placement{Cell: stale, OriginAddress: "x"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Force many commits; none may fail with ErrCellTaken since all are
	// auto-allocated.
	for i := 0; i < 20; i++ {
		if _, err := h.svc.Commit(ctx, &Request{
			Data:          pngBytes(t, 4+i, 4),
			OriginAddress: "203.0.113.3",
		}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}
}

func TestCommit_Rejections(t *testing.T) {
	cfg := testUploadConfig()
	cfg.MaxBytes = 1024
	h := setupService(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
		want error
	}{
		{"no file", &Request{OriginAddress: "a"}, ErrNoFile},
		{"too large", &Request{Data: make([]byte, 2048), OriginAddress: "a"}, ErrTooLarge},
		{"wrong type", &Request{Data: []byte("plain text, not an image"), OriginAddress: "a"}, imaging.ErrWrongType},
		{
			"caption too long",
			&Request{Data: pngBytes(t, 4, 4), Caption: string(make([]rune, 121)), OriginAddress: "a"},
			ErrCaption,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Commit(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Nothing was stored or published for any rejection.
	if h.blobs.count() != 0 {
		t.Errorf("blob count = %d, want 0", h.blobs.count())
	}
	if h.pub.count() != 0 {
		t.Errorf("published = %d, want 0", h.pub.count())
	}
}

func TestCommit_DimensionRejection(t *testing.T) {
	cfg := testUploadConfig()
	cfg.MaxDimension = 32
	h := setupService(t, cfg)

	_, err := h.svc.Commit(context.Background(), &Request{
		Data:          pngBytes(t, 64, 8),
		OriginAddress: "a",
	})
	if !errors.Is(err, imaging.ErrDimensions) {
		t.Errorf("got %v, want ErrDimensions", err)
	}
}

func TestCommit_BurstQuota(t *testing.T) {
	cfg := testUploadConfig()
	cfg.BurstPerMinute = 2
	h := setupService(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Commit(ctx, &Request{
			Data:          pngBytes(t, 4+i, 4),
			OriginAddress: "203.0.113.9",
		}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	_, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 16, 16),
		OriginAddress: "203.0.113.9",
	})
	if !errors.Is(err, ErrQuota) {
		t.Errorf("got %v, want ErrQuota", err)
	}

	// A different origin is unaffected.
	if _, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 17, 17),
		OriginAddress: "203.0.113.10",
	}); err != nil {
		t.Errorf("other origin commit failed: %v", err)
	}
}

func TestCommit_DailyCap(t *testing.T) {
	cfg := testUploadConfig()
	cfg.DailyCap = 1
	h := setupService(t, cfg)
	ctx := context.Background()

	if _, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 4, 4),
		OriginAddress: "203.0.113.11",
	}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	_, err := h.svc.Commit(ctx, &Request{
		Data:          pngBytes(t, 5, 5),
		OriginAddress: "203.0.113.11",
	})
	if !errors.Is(err, ErrQuota) {
		t.Errorf("got %v, want ErrQuota", err)
	}
}

func TestCommit_DegradedQuotaCountAdmitsUpload(t *testing.T) {
	h := setupService(t, nil)
	h.store.failCountErr = errors.New("count query timed out")

	p, err := h.svc.Commit(context.Background(), &Request{
		Data:          pngBytes(t, 8, 8),
		OriginAddress: "203.0.113.13",
	})
	if err != nil {
		t.Fatalf("Commit failed on degraded count: %v", err)
	}
	if !p.InBounds() {
		t.Errorf("allocated cell %v out of bounds", p.Cell)
	}
	if h.pub.count() != 1 {
		t.Errorf("published = %d, want 1", h.pub.count())
	}
}

func TestCommit_StorageFailureRollsBack(t *testing.T) {
	h := setupService(t, nil)
	h.store.failPlaceErr = errors.New("disk on fire")

	_, err := h.svc.Commit(context.Background(), &Request{
		Data:          pngBytes(t, 8, 8),
		OriginAddress: "203.0.113.12",
	})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
	if h.blobs.count() != 0 {
		t.Errorf("blob count = %d, want 0 after rollback", h.blobs.count())
	}
}

func TestRejectionReason(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"no file":      {ErrNoFile, "no_file"},
		"wrong type":   {imaging.ErrWrongType, "wrong_type"},
		"too large":    {ErrTooLarge, "too_large"},
		"dimensions":   {imaging.ErrDimensions, "dimensions"},
		"caption":      {ErrCaption, "caption"},
		"quota":        {ErrQuota, "quota"},
		"no free slot": {allocator.ErrNoFreeSlot, "no_free_slot"},
		"cell taken":   {store.ErrCellTaken, "cell_taken"},
		"storage":      {ErrStorage, "storage"},
		"other":        {errors.New("whatever"), ""},
	}
	for name, tc := range cases {
		if got := RejectionReason(tc.err); got != tc.want {
			t.Errorf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}

func TestBurstLimiter_RefillsOverTime(t *testing.T) {
	bl := NewBurstLimiter(1, 40*time.Millisecond)
	defer bl.Stop()

	if !bl.Allow("origin") {
		t.Fatal("first request should pass")
	}
	if bl.Allow("origin") {
		t.Fatal("second immediate request should be limited")
	}

	time.Sleep(60 * time.Millisecond)
	if !bl.Allow("origin") {
		t.Error("request after refill window should pass")
	}
}
