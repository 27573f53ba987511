// Package ambient is a client for the Ambient Weather REST API.
package ambient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the public REST endpoint.
	DefaultBaseURL = "https://rt.ambientweather.net"

	// MaxLimit is the most records a single device data request returns.
	MaxLimit = 288

	defaultTimeout     = 10 * time.Second
	defaultMinInterval = time.Second
)

var (
	// ErrAuth is returned on HTTP 401 and 403.
	ErrAuth = errors.New("ambient: authentication failed, check api and application keys")

	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("ambient: rate limit exceeded")
)

// APIError is a non-2xx response other than 401, 403 and 429.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ambient: request failed with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth retrying: rate limits, server
// errors, timeouts, and network failures are; bad credentials and other
// client errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client talks to the REST API. Requests are spaced at least minInterval
// apart; the service allows one per second per key.
type Client struct {
	apiKey         string
	applicationKey string
	baseURL        string
	http           *http.Client
	logger         *slog.Logger
	minInterval    time.Duration

	mu   sync.Mutex
	last time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. An empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the default 10 second timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMinInterval sets the minimum spacing between requests.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the given key pair.
func NewClient(apiKey, applicationKey string, opts ...Option) (*Client, error) {
	if apiKey == "" || applicationKey == "" {
		return nil, errors.New("ambient: api key and application key are required")
	}
	c := &Client{
		apiKey:         apiKey,
		applicationKey: applicationKey,
		baseURL:        DefaultBaseURL,
		http:           &http.Client{Timeout: defaultTimeout},
		logger:         slog.Default(),
		minInterval:    defaultMinInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("ambient: base url: %w", err)
	}
	return c, nil
}

// DeviceInfo is the user-assigned metadata of a device.
type DeviceInfo struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Device is one entry of the device list.
type Device struct {
	MACAddress string     `json:"macAddress"`
	Info       DeviceInfo `json:"info"`
	LastData   Reading    `json:"lastData"`
}

// Devices lists the devices on the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.get(ctx, "/v1/devices", nil, &devices); err != nil {
		return nil, err
	}
	c.logger.Debug("retrieved devices", "count", len(devices))
	return devices, nil
}

// DeviceData returns up to limit readings, most recent first, ending at
// end. A zero end means now.
func (c *Client) DeviceData(ctx context.Context, mac string, limit int, end time.Time) ([]Reading, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if !end.IsZero() {
		params.Set("endDate", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var readings []Reading
	if err := c.get(ctx, "/v1/devices/"+url.PathEscape(mac), params, &readings); err != nil {
		return nil, err
	}
	c.logger.Debug("retrieved device data", "mac_address", mac, "count", len(readings))
	return readings, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.apiKey)
	params.Set("applicationKey", c.applicationKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("ambient: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ambient: GET %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ambient: decoding %s: %w", path, err)
	}
	return nil
}

// wait blocks until minInterval has passed since the previous request.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d := c.minInterval - time.Since(c.last); d > 0 && !c.last.IsZero() {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	c.last = time.Now()
	return nil
}
