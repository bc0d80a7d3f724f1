// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

/*
Package supervisor provides process supervision for Gridplace using
suture v4.

The tree organizes the long-running services into two layers for failure
isolation:

	RootSupervisor ("gridplace")
	├── MessagingSupervisor ("messaging-layer")
	│   └── WebSocketHubService
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

A crash in the websocket hub restarts only the hub; the HTTP server keeps
answering spatial queries against the occupancy store, and reconnecting
clients reconcile missed placements through their next poll.

DuckDB and Badger are intentionally not supervised: they are embedded
libraries, not long-running services, and a crash inside either would
require a process restart anyway.

Services must implement suture.Service. Return nil to stop cleanly,
return an error to be restarted, and return promptly when the context is
canceled.
*/
package supervisor
