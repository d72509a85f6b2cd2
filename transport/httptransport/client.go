// Package httptransport replays syncable records to the remote back-office
// API over HTTP.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
	syncErrors "github.com/tillpoint/go-kiosk-sync/errors"
	"github.com/tillpoint/go-kiosk-sync/logging"
)

// successStatus is the literal the remote reports in the response body on a
// confirmed write. The server returns its status as a string, not a numeric
// HTTP code; the comparison contract is preserved verbatim.
const successStatus = "201"

// Limits defines size limits for the HTTP client
type Limits struct {
	MaxBodyBytes int64 // Maximum response body size in bytes
}

// Client replays records against the remote sync endpoints. One endpoint
// exists per entity type, parameterized by the location identifier carried
// inside each record's payload.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	logger  *slog.Logger
}

// ClientOption configures a Client using the functional options pattern
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithLimits sets the size limits
func WithLimits(l Limits) ClientOption {
	return func(c *Client) {
		c.limits = l
	}
}

// WithClientLogger sets a custom logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a replay client for the given remote base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 1 << 20, // 1MB
		},
		logger: logging.WithComponent(logging.Component("transport")).Logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

var _ kiosksync.Remote = (*Client)(nil)

// replyBody is the shape of the remote's response. Status is a string by
// remote contract ("201" on success); Error carries a rejection message.
type replyBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// payloadEnvelope extracts the tenant/location identifier the endpoint path
// is parameterized with. The rest of the payload passes through untouched.
type payloadEnvelope struct {
	LocationID string `json:"locationId"`
}

// Submit replays one record. A nil return means the remote confirmed the
// record. A *kiosksync.ReplayError carries a server rejection; any other
// error is a transient network failure.
func (c *Client) Submit(ctx context.Context, rec kiosksync.SyncableRecord) error {
	var env payloadEnvelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpReplay, fmt.Errorf("payload is not valid JSON: %w", err))
	}
	if env.LocationID == "" {
		return syncErrors.NewValidationError(syncErrors.OpReplay, fmt.Errorf("payload carries no locationId"))
	}

	url := fmt.Sprintf("%s/pos/%s/%s", c.baseURL, env.LocationID, rec.Entity)
	c.logger.Debug("replaying record",
		slog.String("entity", string(rec.Entity)),
		slog.String("local_id", rec.LocalID),
		slog.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rec.Payload))
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpReplay, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("replay request failed",
			slog.String("local_id", rec.LocalID),
			slog.String("error", err.Error()),
			slog.String("url", url))
		return syncErrors.NewNetworkError(syncErrors.OpReplay, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpReplay, fmt.Errorf("failed to read response: %w", err))
	}

	var reply replyBody
	if err := json.Unmarshal(body, &reply); err != nil {
		// Malformed JSON is a failure outcome like any other network error.
		c.logger.Error("replay response is not valid JSON",
			slog.String("local_id", rec.LocalID),
			slog.Int("http_status", resp.StatusCode))
		return syncErrors.NewNetworkError(syncErrors.OpReplay, fmt.Errorf("malformed response body: %w", err))
	}

	if reply.Status == successStatus {
		c.logger.Debug("record confirmed by remote",
			slog.String("entity", string(rec.Entity)),
			slog.String("local_id", rec.LocalID))
		return nil
	}

	c.logger.Warn("remote rejected record",
		slog.String("local_id", rec.LocalID),
		slog.String("remote_status", reply.Status),
		slog.String("remote_error", reply.Error))
	return &kiosksync.ReplayError{
		StatusText: reply.Status,
		Message:    reply.Error,
	}
}
