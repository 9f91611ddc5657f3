// Package client talks to a running imagepipe service over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imagepipe/imagepipe/common/middleware"
	"github.com/imagepipe/imagepipe/imagepipe/internal/handlers"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// ErrNotFound is returned when the service answers 404.
var ErrNotFound = errors.New("not found")

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the imagepipe API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a Client for baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Publish posts an upstream notification and returns how many records the
// service routed.
func (c *Client) Publish(ctx context.Context, n model.Notification) (int, error) {
	var resp handlers.PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/notifications", n, &resp); err != nil {
		return 0, err
	}
	return resp.Published, nil
}

// GetImage fetches the metadata record for id.
func (c *Client) GetImage(ctx context.Context, id string) (*model.ImageRecord, error) {
	var rec model.ImageRecord
	path := "/api/v1/images/" + escapePath(id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeadLetters lists up to limit dead-lettered envelopes with queue stats.
func (c *Client) DeadLetters(ctx context.Context, limit int) (*handlers.DeadLetterResponse, error) {
	var resp handlers.DeadLetterResponse
	path := "/api/v1/dlq?limit=" + strconv.Itoa(limit)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurgeDeadLetters empties the dead-letter queue.
func (c *Client) PurgeDeadLetters(ctx context.Context) (int, error) {
	var resp handlers.PurgeResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/dlq", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// escapePath escapes each segment of an image id so slashes survive.
func escapePath(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
