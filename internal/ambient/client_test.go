package ambient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient("api", "app",
		WithBaseURL(srv.URL),
		WithMinInterval(0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClient_RequiresKeys(t *testing.T) {
	if _, err := NewClient("", "app"); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := NewClient("api", ""); err == nil {
		t.Error("expected error without application key")
	}
}

func TestClient_Devices(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("apiKey") != "api" || q.Get("applicationKey") != "app" {
			t.Errorf("credentials not sent: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{
			"macAddress": "AA:BB:CC:DD:EE:FF",
			"info": {"name": "Backyard", "location": "Home"},
			"lastData": {"dateutc": 1718452800000, "tempf": 71.2}
		}]`)
	}))

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	d := devices[0]
	if d.MACAddress != testMAC || d.Info.Name != "Backyard" || d.Info.Location != "Home" {
		t.Errorf("device = %+v", d)
	}
	if ts, err := d.LastData.Time(); err != nil || ts.Unix() != 1718452800 {
		t.Errorf("lastData time = %v, %v", ts, err)
	}
}

func TestClient_DeviceData(t *testing.T) {
	end := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices/"+testMAC {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "288" {
			t.Errorf("limit = %q, want clamped to 288", q.Get("limit"))
		}
		if q.Get("endDate") != "1718452800000" {
			t.Errorf("endDate = %q", q.Get("endDate"))
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"dateutc": 1718452800000, "tempf": 70.0},
			{"dateutc": 1718452740000, "tempf": 69.5},
		})
	}))

	readings, err := c.DeviceData(context.Background(), testMAC, 1000, end)
	if err != nil {
		t.Fatalf("DeviceData: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
}

func TestClient_DeviceDataOmitsZeroEnd(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["endDate"]; ok {
			t.Error("endDate should be omitted")
		}
		if r.URL.Query().Get("limit") != "1" {
			t.Errorf("limit = %q, want 1", r.URL.Query().Get("limit"))
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	readings, err := c.DeviceData(context.Background(), testMAC, 0, time.Time{})
	if err != nil || len(readings) != 0 {
		t.Errorf("DeviceData = %v, %v", readings, err)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		retryable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrAuth},
		{name: "forbidden", status: http.StatusForbidden, want: ErrAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited, retryable: true},
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "bad request", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.Devices(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tt.want == nil {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
					t.Errorf("err = %v, want *APIError with status %d", err, tt.status)
				}
			}
			if got := Retryable(err); got != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClient_NetworkErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient("api", "app", WithBaseURL(url), WithMinInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Devices(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !Retryable(err) {
		t.Errorf("connection error should be retryable: %v", err)
	}
}

func TestClient_BadJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{not json`)
	}))
	if _, err := c.Devices(context.Background()); err == nil || !strings.Contains(err.Error(), "decoding") {
		t.Errorf("err = %v, want decoding error", err)
	}
}

func TestClient_MinInterval(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c, err := NewClient("api", "app", WithBaseURL(srv.URL), WithMinInterval(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Devices(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("3 requests took %s, want at least 100ms", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_WaitHonoursContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	c.minInterval = time.Hour

	if _, err := c.Devices(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Devices(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
