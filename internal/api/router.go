// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/middleware"
)

// Router assembles the HTTP routing tree.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router around the given handler set.
func NewRouter(handler *Handler, cfg *config.Config) *Router {
	return &Router{
		handler: handler,
		chiMiddleware: NewChiMiddleware(&ChiMiddlewareConfig{
			CORSAllowedOrigins: cfg.Server.CORSOrigins,
			QueryRateReqs:      cfg.Server.RateLimitReqs,
			QueryRateWindow:    cfg.Server.RateLimitWindow,
		}),
	}
}

// Setup builds the routing tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SecurityHeaders())
		r.Use(middleware.PrometheusMetrics)

		r.Get("/health", router.handler.Health)
		r.Get("/health/live", router.handler.HealthLive)
		r.Get("/health/ready", router.handler.HealthReady)

		// Spatial queries carry the per-IP rate limit; the resulting
		// 429s drive the viewport clients' backoff.
		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.QueryRateLimit())
			r.Get("/grid/rect", router.handler.GridRect)
			r.Get("/grid/cell", router.handler.GridCell)
			r.Get("/grid/recent", router.handler.GridRecent)
		})

		// Uploads are limited by the pipeline's own per-origin quotas,
		// not the query limiter.
		r.Post("/grid/placements", router.handler.CreatePlacement)

		r.Get("/ws", router.handler.WebSocket)
	})

	// Assets bypass the JSON envelope and the query limiter: a single
	// viewport repaint fetches hundreds of them.
	r.Get("/assets/{key}", router.handler.Asset)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
