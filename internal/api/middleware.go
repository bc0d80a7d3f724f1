// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// ChiMiddlewareConfig holds configuration for the Chi middleware
// factories.
type ChiMiddlewareConfig struct {
	CORSAllowedOrigins []string

	// QueryRateReqs / QueryRateWindow bound the spatial query endpoints
	// per client IP. Viewport clients absorb the resulting 429s with
	// exponential backoff, so the window can be tight without breaking
	// them.
	QueryRateReqs   int
	QueryRateWindow time.Duration
	RateDisabled    bool
}

// ChiMiddleware provides Chi-compatible middleware built from the
// production-hardened go-chi ecosystem implementations.
type ChiMiddleware struct {
	config *ChiMiddlewareConfig
	cors   func(http.Handler) http.Handler
}

// NewChiMiddleware creates a middleware factory with the given
// configuration.
func NewChiMiddleware(config *ChiMiddlewareConfig) *ChiMiddleware {
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
		MaxAge:         86400,
	})

	return &ChiMiddleware{
		config: config,
		cors:   corsHandler,
	}
}

// CORS returns the CORS middleware. Must be global so OPTIONS preflight
// reaches it before routing.
func (m *ChiMiddleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// QueryRateLimit returns the per-IP rate limiter for the spatial query
// endpoints. The limit handler emits the standard envelope with a
// Retry-After hint instead of httprate's plain-text default.
func (m *ChiMiddleware) QueryRateLimit() func(http.Handler) http.Handler {
	if m.config.RateDisabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	retryAfter := m.config.QueryRateWindow
	onLimit := func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).TooManyRequests("query rate limit exceeded", retryAfter)
	}

	return httprate.Limit(
		m.config.QueryRateReqs,
		m.config.QueryRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(onLimit),
	)
}

// SecurityHeaders adds baseline security headers to API responses.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}
