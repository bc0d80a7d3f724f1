// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package grid defines the core domain types for the placement grid:
// cells, rectangles, and committed placements.
//
// The grid is a fixed 1000x1000 matrix of cells. Each cell holds at most
// one immutable Placement. All other packages express coordinates in terms
// of these types; there is no floating-point geometry anywhere in the
// server.
package grid

import "time"

// Grid dimensions. Cells are addressed as (x, y) with 0 <= x < Width and
// 0 <= y < Height.
const (
	Width  = 1000
	Height = 1000
)

// Cell identifies one addressable unit of the grid.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// InBounds reports whether the cell lies inside the grid.
func (c Cell) InBounds() bool {
	return c.X >= 0 && c.X < Width && c.Y >= 0 && c.Y < Height
}

// Clamp returns the cell moved to the nearest in-bounds coordinate.
func (c Cell) Clamp() Cell {
	return Cell{X: clampInt(c.X, 0, Width-1), Y: clampInt(c.Y, 0, Height-1)}
}

// Rect is an inclusive rectangle of cells. A rectangle with reversed
// bounds (X1 < X0 or Y1 < Y0) is treated as empty, never as an error.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Empty reports whether the rectangle contains no cells.
func (r Rect) Empty() bool {
	return r.X1 < r.X0 || r.Y1 < r.Y0
}

// Clamp intersects the rectangle with the grid bounds. A rectangle fully
// outside the grid becomes empty.
func (r Rect) Clamp() Rect {
	return Rect{
		X0: clampInt(r.X0, 0, Width-1),
		Y0: clampInt(r.Y0, 0, Height-1),
		X1: clampInt(r.X1, 0, Width-1),
		Y1: clampInt(r.Y1, 0, Height-1),
	}
}

// Contains reports whether the cell lies inside the rectangle.
func (r Rect) Contains(c Cell) bool {
	return c.X >= r.X0 && c.X <= r.X1 && c.Y >= r.Y0 && c.Y <= r.Y1
}

// Expand grows the rectangle by margin cells on every side. The result is
// not clamped; callers clamp when they need grid-valid coordinates.
func (r Rect) Expand(margin int) Rect {
	return Rect{X0: r.X0 - margin, Y0: r.Y0 - margin, X1: r.X1 + margin, Y1: r.Y1 + margin}
}

// Area returns the number of cells in the rectangle.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return (r.X1 - r.X0 + 1) * (r.Y1 - r.Y0 + 1)
}

// MaxCaptionLen bounds the optional placement caption.
const MaxCaptionLen = 120

// Placement binds one uploaded image to one cell. Placements are immutable
// once committed: there is no update or delete path (deletion exists only
// as rollback compensation inside the upload pipeline, before the row is
// observable).
type Placement struct {
	Cell

	// Caption is optional free-form text, at most MaxCaptionLen characters.
	Caption string `json:"caption,omitempty"`

	// CreatedAt is unique across all placements and monotonically
	// assigned, which makes it usable as a stable feed cursor.
	CreatedAt time.Time `json:"created_at"`

	// OriginAddress is the submitting client's network address. Retained
	// for abuse-rate accounting only; never exposed through the API.
	OriginAddress string `json:"-"`

	// ThumbKey and OrigKey are content-derived blob keys. Being derived
	// from the uploaded bytes they are immutable and never reused.
	ThumbKey string `json:"thumb_key"`
	OrigKey  string `json:"orig_key"`
}

// RectEntry is the minimal projection returned by rectangle queries:
// cell coordinates plus the thumbnail reference. The original-image
// reference is deliberately absent so that viewport polling never leaks
// (or tempts clients into prefetching) full-resolution assets.
type RectEntry struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	ThumbURL string `json:"thumb_url"`
}

// FeedEntry is the full projection used by the recency feed and the live
// push channel.
type FeedEntry struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ThumbURL  string    `json:"thumb_url"`
	OrigURL   string    `json:"orig_url"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
