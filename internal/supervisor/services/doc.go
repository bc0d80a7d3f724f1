// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

// Package services wraps Gridplace's long-running components as
// suture.Service implementations: the HTTP server and the websocket hub.
package services
