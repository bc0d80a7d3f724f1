// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package upload

import (
	"errors"

	"github.com/tomtom215/gridplace/internal/allocator"
	"github.com/tomtom215/gridplace/internal/imaging"
	"github.com/tomtom215/gridplace/internal/store"
)

// Rejection errors produced by the commit pipeline. Each maps to one
// reason label in the rejection metrics and one API error code.
var (
	ErrNoFile   = errors.New("no image supplied")
	ErrTooLarge = errors.New("image exceeds size limit")
	ErrCaption  = errors.New("caption too long")
	ErrQuota    = errors.New("upload quota exceeded")
	ErrStorage  = errors.New("storage unavailable")
)

// RejectionReason maps a commit error to its metrics label, or "" for
// errors that are not client rejections.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNoFile):
		return "no_file"
	case errors.Is(err, imaging.ErrWrongType), errors.Is(err, imaging.ErrEmpty):
		return "wrong_type"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, imaging.ErrDimensions):
		return "dimensions"
	case errors.Is(err, ErrCaption):
		return "caption"
	case errors.Is(err, ErrQuota):
		return "quota"
	case errors.Is(err, allocator.ErrNoFreeSlot):
		return "no_free_slot"
	case errors.Is(err, store.ErrCellTaken):
		return "cell_taken"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return ""
	}
}
