// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"

	"github.com/tomtom215/gridplace/internal/allocator"
	"github.com/tomtom215/gridplace/internal/blob"
	"github.com/tomtom215/gridplace/internal/config"
	"github.com/tomtom215/gridplace/internal/grid"
	"github.com/tomtom215/gridplace/internal/imaging"
	"github.com/tomtom215/gridplace/internal/logging"
	"github.com/tomtom215/gridplace/internal/store"
	"github.com/tomtom215/gridplace/internal/upload"
	"github.com/tomtom215/gridplace/internal/validation"
	"github.com/tomtom215/gridplace/internal/websocket"
)

// multipartOverhead is headroom on top of the image size limit for the
// multipart framing and the small form fields.
const multipartOverhead = 64 << 10

// Handler carries the dependencies shared by all HTTP handlers.
type Handler struct {
	store    *store.Store
	blobs    *blob.Store
	uploads  *upload.Service
	hub      *websocket.Hub
	cfg      *config.Config
	upgrader gws.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(st *store.Store, blobs *blob.Store, uploads *upload.Service, hub *websocket.Hub, cfg *config.Config) *Handler {
	h := &Handler{
		store:   st,
		blobs:   blobs,
		uploads: uploads,
		hub:     hub,
		cfg:     cfg,
	}
	h.upgrader = gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// rectPayload is the data member of a rectangle query response.
type rectPayload struct {
	Cells    []grid.RectEntry `json:"cells"`
	Degraded bool             `json:"degraded"`
}

// recentPayload is the data member of a recency feed response.
type recentPayload struct {
	Placements []grid.FeedEntry `json:"placements"`
	Degraded   bool             `json:"degraded"`
}

// cellQuery is the validated form of GET /grid/cell parameters.
type cellQuery struct {
	X int `validate:"gridcoord"`
	Y int `validate:"gridcoord"`
}

// rectQuery is the validated form of GET /grid/rect parameters. Reversed
// bounds are legal and yield an empty result, so only the range of each
// coordinate is validated.
type rectQuery struct {
	X0 int `validate:"gridcoord"`
	Y0 int `validate:"gridcoord"`
	X1 int `validate:"gridcoord"`
	Y1 int `validate:"gridcoord"`
}

// GridCell handles GET /api/v1/grid/cell?x=&y=.
func (h *Handler) GridCell(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var q cellQuery
	var err error
	if q.X, err = intParam(r, "x"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if q.Y, err = intParam(r, "y"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if !h.validate(rw, &q) {
		return
	}

	p, err := h.store.QueryCell(r.Context(), grid.Cell{X: q.X, Y: q.Y})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("cell is empty")
			return
		}
		rw.StorageError(err)
		return
	}
	rw.Success(h.feedEntry(*p))
}

// GridRect handles GET /api/v1/grid/rect?x0=&y0=&x1=&y1=.
func (h *Handler) GridRect(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var q rectQuery
	var err error
	if q.X0, err = intParam(r, "x0"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if q.Y0, err = intParam(r, "y0"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if q.X1, err = intParam(r, "x1"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if q.Y1, err = intParam(r, "y1"); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if !h.validate(rw, &q) {
		return
	}

	rows, degraded := h.store.QueryRect(r.Context(), grid.Rect{X0: q.X0, Y0: q.Y0, X1: q.X1, Y1: q.Y1})

	cells := make([]grid.RectEntry, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, grid.RectEntry{
			X:        row.X,
			Y:        row.Y,
			ThumbURL: h.assetURL(row.ThumbKey),
		})
	}
	rw.Success(rectPayload{Cells: cells, Degraded: degraded})
}

// GridRecent handles GET /api/v1/grid/recent?limit=.
func (h *Handler) GridRecent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit := store.RecentLimitDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			rw.BadRequest("limit must be an integer")
			return
		}
		limit = v
	}

	placements, degraded := h.store.QueryRecent(r.Context(), limit)

	entries := make([]grid.FeedEntry, 0, len(placements))
	for _, p := range placements {
		entries = append(entries, h.feedEntry(p))
	}
	rw.Success(recentPayload{Placements: entries, Degraded: degraded})
}

// CreatePlacement handles POST /api/v1/grid/placements. The body is
// multipart form data with an "image" file, optional "x"/"y" target
// coordinates, and an optional "caption".
func (h *Handler) CreatePlacement(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	maxBytes := h.cfg.Upload.MaxBytes + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		rw.Error(http.StatusRequestEntityTooLarge, ErrCodeValidationFailed, "upload body too large or malformed")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		rw.BadRequest("image file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.Upload.MaxBytes+1))
	if err != nil {
		rw.InternalError("failed to read upload")
		return
	}
	if int64(len(data)) > h.cfg.Upload.MaxBytes {
		rw.Error(http.StatusRequestEntityTooLarge, ErrCodeValidationFailed, "image exceeds size limit")
		return
	}

	cell, ok := h.requestedCell(rw, r)
	if !ok {
		return
	}

	req := &upload.Request{
		Data:          data,
		Caption:       r.FormValue("caption"),
		Cell:          cell,
		OriginAddress: clientIP(r),
	}

	p, err := h.uploads.Commit(r.Context(), req)
	if err != nil {
		h.writeCommitError(rw, err)
		return
	}
	rw.Created(h.feedEntry(*p))
}

// requestedCell parses the optional x/y form fields. Both or neither
// must be present. Out-of-bounds targets are accepted here; the upload
// pipeline clamps them.
func (h *Handler) requestedCell(rw *ResponseWriter, r *http.Request) (*grid.Cell, bool) {
	xs, ys := r.FormValue("x"), r.FormValue("y")
	if xs == "" && ys == "" {
		return nil, true
	}
	if xs == "" || ys == "" {
		rw.BadRequest("x and y must both be given, or neither")
		return nil, false
	}

	x, err := strconv.Atoi(xs)
	if err != nil {
		rw.BadRequest("x must be an integer")
		return nil, false
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		rw.BadRequest("y must be an integer")
		return nil, false
	}
	return &grid.Cell{X: x, Y: y}, true
}

// writeCommitError maps the upload pipeline's error taxonomy onto HTTP
// responses.
func (h *Handler) writeCommitError(rw *ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrNoFile):
		rw.BadRequest("no image supplied")
	case errors.Is(err, upload.ErrTooLarge):
		rw.Error(http.StatusRequestEntityTooLarge, ErrCodeValidationFailed, "image exceeds size limit")
	case errors.Is(err, imaging.ErrWrongType), errors.Is(err, imaging.ErrEmpty):
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, "unsupported image format (png, jpeg, gif)")
	case errors.Is(err, imaging.ErrDimensions):
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, "image dimensions out of range")
	case errors.Is(err, upload.ErrCaption):
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, "caption too long")
	case errors.Is(err, upload.ErrQuota):
		rw.TooManyRequests("upload quota exceeded", time.Minute)
	case errors.Is(err, store.ErrCellTaken):
		rw.Conflict("cell is already occupied")
	case errors.Is(err, allocator.ErrNoFreeSlot):
		rw.Conflict("no free cells available")
	default:
		rw.StorageError(err)
	}
}

// WebSocket handles GET /api/v1/ws: upgrade, register, pump.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// checkOrigin enforces the configured CORS origins on websocket
// upgrades. Non-browser clients without an Origin header are allowed.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Asset handles GET /assets/{key}. Blob keys are content-derived, so
// responses are immutable and cached forever.
func (h *Handler) Asset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		http.NotFound(w, r)
		return
	}

	data, err := h.blobs.Get(key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logging.Error().Err(err).Str("key", key).Msg("asset read failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType(key))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.store.Ping(r.Context()); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "occupancy store unavailable")
		return
	}

	occupied, err := h.store.Occupied(r.Context())
	if err != nil {
		occupied = -1
	}

	rw.Success(map[string]interface{}{
		"status":     "ok",
		"occupied":   occupied,
		"ws_clients": h.hub.GetClientCount(),
	})
}

// HealthLive handles GET /api/v1/health/live: the process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady handles GET /api/v1/health/ready: dependencies answer.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.store.Ping(r.Context()); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "occupancy store unavailable")
		return
	}
	rw.Success(map[string]string{"status": "ready"})
}

// validate runs struct validation and writes the failure response.
// Returns true when the struct is valid.
func (h *Handler) validate(rw *ResponseWriter, s interface{}) bool {
	err := validation.ValidateStruct(s)
	if err == nil {
		return true
	}

	var ve *validation.RequestValidationError
	if errors.As(err, &ve) {
		rw.ValidationError(ve.Error(), ve.Details())
	} else {
		rw.InternalError("validation failed")
	}
	return false
}

// feedEntry projects a placement into its API representation.
func (h *Handler) feedEntry(p grid.Placement) grid.FeedEntry {
	return grid.FeedEntry{
		X:         p.X,
		Y:         p.Y,
		Caption:   p.Caption,
		CreatedAt: p.CreatedAt,
		ThumbURL:  h.assetURL(p.ThumbKey),
		OrigURL:   h.assetURL(p.OrigKey),
	}
}

// assetURL builds the public URL for a blob key, honoring the configured
// public base URL for cross-origin deployments.
func (h *Handler) assetURL(key string) string {
	return h.cfg.Server.PublicURL + blob.AssetURL(key)
}

// intParam parses a required integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errors.New(name + " is required")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

// clientIP extracts the client address for quota accounting. RealIP
// middleware has already resolved X-Forwarded-For by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
