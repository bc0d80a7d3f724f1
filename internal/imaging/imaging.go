// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package imaging decodes and validates uploaded images and derives the
// square cell thumbnails stored alongside the originals.
//
// Accepted formats are PNG, JPEG, and GIF. Dimension limits are enforced
// before any pixel data reaches the blob store, so oversized uploads
// cost at most one decode.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
)

// Typed validation failures, mapped to the upload rejection taxonomy.
var (
	ErrWrongType  = errors.New("unsupported image format")
	ErrDimensions = errors.New("image dimensions exceed limit")
	ErrEmpty      = errors.New("empty image data")
)

// thumbJPEGQuality balances tile size against artifacting at 40px.
const thumbJPEGQuality = 80

// Image is a decoded, validated upload.
type Image struct {
	Format  string // "png", "jpeg", or "gif"
	Width   int
	Height  int
	Decoded image.Image
}

// Decode parses data, verifies it is one of the accepted formats, and
// rejects images with either dimension above maxDimension.
func Decode(data []byte, maxDimension int) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	// Config-only decode first: dimension limits are checked from the
	// header before committing to a full pixel decode.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongType, err)
	}

	switch format {
	case "png", "jpeg", "gif":
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongType, format)
	}

	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d", ErrDimensions, cfg.Width, cfg.Height, maxDimension)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: degenerate dimensions %dx%d", ErrWrongType, cfg.Width, cfg.Height)
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongType, err)
	}

	return &Image{
		Format:  format,
		Width:   cfg.Width,
		Height:  cfg.Height,
		Decoded: decoded,
	}, nil
}

// Transformer derives a square thumbnail from a decoded image. The
// interface exists so tests can substitute a trivial implementation.
type Transformer interface {
	Thumbnail(img *Image, size int) ([]byte, error)
}

// BoxTransformer produces thumbnails by box-average downsampling. The
// source is mapped onto a size x size grid; each destination pixel is
// the mean of its source box. Aspect ratio is not preserved: cell
// thumbnails are always square.
type BoxTransformer struct{}

// NewBoxTransformer returns the default Transformer.
func NewBoxTransformer() *BoxTransformer {
	return &BoxTransformer{}
}

// Thumbnail implements Transformer, encoding the result as JPEG.
func (t *BoxTransformer) Thumbnail(img *Image, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", size)
	}

	src := img.Decoded
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, size, size))

	for dy := 0; dy < size; dy++ {
		y0 := bounds.Min.Y + dy*srcH/size
		y1 := bounds.Min.Y + (dy+1)*srcH/size
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for dx := 0; dx < size; dx++ {
			x0 := bounds.Min.X + dx*srcW/size
			x1 := bounds.Min.X + (dx+1)*srcW/size
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sumR, sumG, sumB, sumA uint64
			count := uint64((x1 - x0) * (y1 - y0))
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					r, g, b, a := src.At(sx, sy).RGBA()
					sumR += uint64(r)
					sumG += uint64(g)
					sumB += uint64(b)
					sumA += uint64(a)
				}
			}

			dst.SetRGBA(dx, dy, color.RGBA{
				R: uint8(sumR / count >> 8),
				G: uint8(sumG / count >> 8),
				B: uint8(sumB / count >> 8),
				A: uint8(sumA / count >> 8),
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
