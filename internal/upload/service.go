// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package upload implements the placement commit pipeline: validate the
// image, enforce quotas, allocate a cell, write both blobs, and commit
// the occupancy row. The row insert comes last so that a placement is
// never observable before its assets are servable.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/gridplace/internal/allocator"
	"github.com/tomtom215/gridplace/internal/blob"
	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/imaging"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/metrics"
	"github.com/tomtom215/gridplace/internal/store"
)

// placeAttempts bounds re-allocation after losing an auto-allocated
// commit race.
const placeAttempts = 3

// OccupancyStore is the slice of the store the pipeline commits through.
type OccupancyStore interface {
	TryPlace(ctx context.Context, p *grid.Placement) error
	CountSince(ctx context.Context, originAddress string, since time.Time) (int, error)
	Delete(ctx context.Context, c grid.Cell) error
}

// BlobStore is the slice of the blob store the pipeline writes through.
type BlobStore interface {
	Put(key string, data []byte) error
	Delete(key string) error
}

// Publisher receives committed placements for live fan-out.
type Publisher interface {
	PublishPlacement(p grid.Placement)
}

// Request is one upload attempt.
type Request struct {
	// Data is the raw uploaded image.
	Data []byte

	// Caption is optional free-form text.
	Caption string

	// Cell is the requested target, nil for server-side allocation.
	// Out-of-bounds requests are clamped, not rejected.
	Cell *grid.Cell

	// OriginAddress identifies the submitting client for quota
	// accounting.
	OriginAddress string
}

// Service runs the commit pipeline.
type Service struct {
	store       OccupancyStore
	blobs       BlobStore
	alloc       *allocator.Allocator
	transformer imaging.Transformer
	publisher   Publisher
	limiter     *BurstLimiter
	cfg         *config.UploadConfig
}

// NewService wires the pipeline. publisher may be nil when no live
// channel is attached.
func NewService(
	occupancy OccupancyStore,
	blobs BlobStore,
	alloc *allocator.Allocator,
	transformer imaging.Transformer,
	publisher Publisher,
	limiter *BurstLimiter,
	cfg *config.UploadConfig,
) *Service {
	return &Service{
		store:       occupancy,
		blobs:       blobs,
		alloc:       alloc,
		transformer: transformer,
		publisher:   publisher,
		limiter:     limiter,
		cfg:         cfg,
	}
}

// Commit runs the full pipeline and returns the committed placement.
// Every returned error is either a typed rejection (see errors.go and
// the imaging, allocator, and store sentinel errors) or a wrapped
// ErrStorage.
func (s *Service) Commit(ctx context.Context, req *Request) (*grid.Placement, error) {
	p, err := s.commit(ctx, req)
	if err != nil {
		if reason := RejectionReason(err); reason != "" {
			metrics.RecordRejection(reason)
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) commit(ctx context.Context, req *Request) (*grid.Placement, error) {
	if len(req.Data) == 0 {
		return nil, ErrNoFile
	}
	if int64(len(req.Data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes over %d", ErrTooLarge, len(req.Data), s.cfg.MaxBytes)
	}
	if len([]rune(req.Caption)) > grid.MaxCaptionLen {
		return nil, fmt.Errorf("%w: %d characters over %d", ErrCaption, len([]rune(req.Caption)), grid.MaxCaptionLen)
	}

	if !s.limiter.Allow(req.OriginAddress) {
		return nil, fmt.Errorf("%w: burst limit", ErrQuota)
	}
	count, err := s.store.CountSince(ctx, req.OriginAddress, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		// A degraded count admits the upload; the burst limiter above
		// still bounds the origin.
		metrics.StoreDegradedReads.WithLabelValues("count_since").Inc()
		logging.Warn().Str("origin", req.OriginAddress).Err(err).Msg("Quota count degraded, admitting upload")
		count = 0
	}
	if count >= s.cfg.DailyCap {
		return nil, fmt.Errorf("%w: daily cap of %d reached", ErrQuota, s.cfg.DailyCap)
	}

	img, err := imaging.Decode(req.Data, s.cfg.MaxDimension)
	if err != nil {
		return nil, err
	}

	thumb, err := s.transformer.Thumbnail(img, s.cfg.ThumbSize)
	if err != nil {
		return nil, fmt.Errorf("%w: thumbnail: %v", ErrStorage, err)
	}

	sum := blob.Sum(req.Data)
	origKey := blob.OrigKey(sum, img.Format)
	thumbKey := blob.ThumbKey(sum)

	// Both blobs must exist before the row does. Writes are idempotent,
	// so a crash between blob write and row insert leaves only orphaned
	// immutable bytes, never a dangling placement.
	var wg sync.WaitGroup
	var origErr, thumbErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		origErr = s.blobs.Put(origKey, req.Data)
	}()
	go func() {
		defer wg.Done()
		thumbErr = s.blobs.Put(thumbKey, thumb)
	}()
	wg.Wait()
	if origErr != nil || thumbErr != nil {
		s.rollbackBlobs(origKey, thumbKey)
		if origErr != nil {
			return nil, fmt.Errorf("%w: write original: %v", ErrStorage, origErr)
		}
		return nil, fmt.Errorf("%w: write thumbnail: %v", ErrStorage, thumbErr)
	}

	p, err := s.place(ctx, req, thumbKey, origKey)
	if err != nil {
		s.rollbackBlobs(origKey, thumbKey)
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.PublishPlacement(*p)
	}

	logging.Info().
		Int("x", p.X).
		Int("y", p.Y).
		Str("thumb_key", p.ThumbKey).
		Msg("Placement committed")

	return p, nil
}

// place allocates a cell and commits the row, re-allocating when an
// auto-allocated cell loses the commit race.
func (s *Service) place(ctx context.Context, req *Request, thumbKey, origKey string) (*grid.Placement, error) {
	for attempt := 0; attempt < placeAttempts; attempt++ {
		cell, err := s.alloc.Allocate(req.Cell)
		if err != nil {
			return nil, err
		}

		p := &grid.Placement{
			Cell:          cell,
			Caption:       req.Caption,
			OriginAddress: req.OriginAddress,
			ThumbKey:      thumbKey,
			OrigKey:       origKey,
		}

		err = s.store.TryPlace(ctx, p)
		if err == nil {
			s.alloc.Occupancy().Mark(cell)
			return p, nil
		}
		if errors.Is(err, store.ErrCellTaken) {
			// The occupancy view was stale; record reality.
			s.alloc.Occupancy().Mark(cell)
			if req.Cell != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	return nil, allocator.ErrNoFreeSlot
}

// rollbackBlobs best-effort deletes both blobs after a failed commit.
// Content-addressed keys mean a concurrent upload of identical bytes
// could lose its assets here; that upload's own idempotent Put re-creates
// them on retry, and the window is accepted as harmless.
func (s *Service) rollbackBlobs(keys ...string) {
	for _, key := range keys {
		if err := s.blobs.Delete(key); err != nil {
			logging.Warn().Str("key", key).Err(err).Msg("Blob rollback failed")
			continue
		}
		metrics.BlobRollbacks.Inc()
	}
}

// Close releases pipeline resources.
func (s *Service) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
