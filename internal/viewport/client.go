// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package viewport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/gridplace/internal/grid"
)

// maxAssetBytes bounds a single asset download. Originals are capped at
// upload time well below this.
const maxAssetBytes = 8 << 20

// Client talks to the Gridplace HTTP API. It implements RectFetcher,
// CellLookup, and AssetLoader for the other viewport components.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://localhost:4117".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiEnvelope mirrors the server's response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
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

// FetchRect implements RectFetcher against GET /api/v1/grid/rect.
func (c *Client) FetchRect(ctx context.Context, r grid.Rect) ([]grid.RectEntry, error) {
	q := url.Values{}
	q.Set("x0", strconv.Itoa(r.X0))
	q.Set("y0", strconv.Itoa(r.Y0))
	q.Set("x1", strconv.Itoa(r.X1))
	q.Set("y1", strconv.Itoa(r.Y1))

	var payload rectPayload
	if err := c.getJSON(ctx, "/api/v1/grid/rect?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Cells, nil
}

// QueryCell implements CellLookup against GET /api/v1/grid/cell. An
// empty cell returns (nil, nil).
func (c *Client) QueryCell(ctx context.Context, cell grid.Cell) (*grid.FeedEntry, error) {
	q := url.Values{}
	q.Set("x", strconv.Itoa(cell.X))
	q.Set("y", strconv.Itoa(cell.Y))

	var entry grid.FeedEntry
	err := c.getJSON(ctx, "/api/v1/grid/cell?"+q.Encode(), &entry)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Recent fetches the recency feed, oldest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]grid.FeedEntry, error) {
	var payload recentPayload
	path := "/api/v1/grid/recent?limit=" + strconv.Itoa(limit)
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Placements, nil
}

// Load implements AssetLoader: it fetches raw image bytes from an asset
// URL, which may be relative to the API base.
func (c *Client) Load(ctx context.Context, assetURL string) ([]byte, error) {
	target := assetURL
	if strings.HasPrefix(assetURL, "/") {
		target = c.baseURL + assetURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build asset request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: target}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes))
}

// HTTPError is a non-2xx response without a decodable API envelope.
type HTTPError struct {
	StatusCode int
	URL        string
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// getJSON performs a GET and decodes the envelope's data member into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}

	if !envelope.Success {
		he := &HTTPError{StatusCode: resp.StatusCode, URL: path}
		if envelope.Error != nil {
			he.Code = envelope.Error.Code
			he.Message = envelope.Error.Message
		}
		return he
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data from %s: %w", path, err)
		}
	}
	return nil
}
