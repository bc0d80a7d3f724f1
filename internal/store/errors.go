// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package store

import (
	"errors"
	"io"

	"github.com/tomtom215/gridplace/internal/logging"
)

// ErrCellTaken is returned by TryPlace when the target cell already holds
// a placement. Exactly one of any set of concurrent attempts on the same
// cell succeeds; all others receive this error.
var ErrCellTaken = errors.New("cell already occupied")

// ErrNotFound is returned by QueryCell for an empty cell.
var ErrNotFound = errors.New("placement not found")

// closeQuietly closes a resource and explicitly ignores any error.
// Use this in error paths where Close() errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}

// closeWithLog closes a resource and logs any error.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}
