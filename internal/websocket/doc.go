// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

/*
Package websocket pushes committed placements to connected clients in
real time.

The package implements a hub-and-spoke pattern on gorilla/websocket: the
Hub owns the client set and fans each committed placement out to every
subscriber; each Client runs a read pump and a write pump goroutine.

Message Types:

  - placement: one committed placement (cell, caption, asset URLs)
  - ping / pong: application-level liveness probes

Delivery semantics are intentionally loose. A subscriber whose send
buffer is full is dropped rather than allowed to stall the broadcast
loop; clients treat the push stream as a freshness hint and reconcile
through polling, so missed messages cost latency, never correctness.
There is no replay on reconnect for the same reason.

Usage:

	hub := websocket.NewHub()
	go hub.RunWithContext(ctx)

	// in the upload pipeline
	hub.PublishPlacement(placement)

Connection lifecycle: the HTTP layer upgrades, registers the client with
the hub, and starts the pumps. Read errors or a full send buffer
unregister the client and close the connection.
*/
package websocket
