package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/backup"
	"github.com/chadmayfield/weatherlogd/internal/collector"
	"github.com/chadmayfield/weatherlogd/internal/config"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

const (
	defaultLimit = 1000
	maxLimit     = 10000
)

// StatusReporter reports collector progress.
type StatusReporter interface {
	Status() collector.Status
}

// BackupLister lists remote backups.
type BackupLister interface {
	List(ctx context.Context) (backup.ListResult, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store       store.Store
	Collector   StatusReporter
	Backups     BackupLister
	Logger      *slog.Logger
	StartTime   time.Time
	StoragePath string
	Version     string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger().Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, apiError{Error: msg, Code: status})
}

// internalError logs err and answers 500 without leaking details.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger().Error(msg, "path", r.URL.Path, "error", err)
	h.writeError(w, http.StatusInternalServerError, msg)
}

func parseMAC(r *http.Request) (string, bool) {
	mac := r.PathValue("mac")
	if !config.ValidMAC(mac) {
		return "", false
	}
	return config.NormalizeMAC(mac), true
}

func parseTime(s string) (time.Time, error) {
	// Try RFC3339 first, then YYYY-MM-DD, then Unix epoch.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (expected RFC3339, YYYY-MM-DD, or Unix epoch)", s)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

type deviceResponse struct {
	MACAddress      string     `json:"mac_address"`
	Name            *string    `json:"name"`
	Location        *string    `json:"location"`
	LastSeen        time.Time  `json:"last_seen"`
	CreatedAt       time.Time  `json:"created_at"`
	Measurements    int64      `json:"measurements"`
	LastMeasurement *time.Time `json:"last_measurement,omitempty"`
}

func (h *Handlers) describe(ctx context.Context, d *store.Device) (deviceResponse, error) {
	resp := deviceResponse{
		MACAddress: d.MACAddress,
		Name:       d.Name,
		Location:   d.Location,
		LastSeen:   d.LastSeen,
		CreatedAt:  d.CreatedAt,
	}
	n, err := h.Store.RecordCount(ctx, d.MACAddress)
	if err != nil {
		return resp, err
	}
	resp.Measurements = n

	ts, ok, err := h.Store.LatestTimestamp(ctx, d.MACAddress)
	if err != nil {
		return resp, err
	}
	if ok {
		t := time.Unix(ts, 0).UTC()
		resp.LastMeasurement = &t
	}
	return resp, nil
}

// ListDevices handles GET /api/v1/devices
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Store.GetDevices(r.Context())
	if err != nil {
		h.internalError(w, r, "failed to list devices", err)
		return
	}

	result := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		d, err := h.describe(r.Context(), &devices[i])
		if err != nil {
			h.internalError(w, r, "failed to list devices", err)
			return
		}
		result = append(result, d)
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetDevice handles GET /api/v1/devices/{mac}
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := parseMAC(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	d, err := h.Store.GetDevice(r.Context(), mac)
	if err != nil {
		h.internalError(w, r, "failed to get device", err)
		return
	}
	if d == nil {
		h.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	resp, err := h.describe(r.Context(), d)
	if err != nil {
		h.internalError(w, r, "failed to get device", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetLatest handles GET /api/v1/devices/{mac}/latest
func (h *Handlers) GetLatest(w http.ResponseWriter, r *http.Request) {
	mac, ok := parseMAC(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	ms, err := h.Store.QueryRange(r.Context(), mac, store.RangeQuery{Limit: 1})
	if err != nil {
		h.internalError(w, r, "failed to get measurement", err)
		return
	}
	if len(ms) == 0 {
		h.writeError(w, http.StatusNotFound, "no measurements found")
		return
	}

	h.writeJSON(w, http.StatusOK, ms[0])
}

// GetMeasurements handles GET /api/v1/devices/{mac}/measurements
func (h *Handlers) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	mac, ok := parseMAC(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid mac address")
		return
	}

	q := r.URL.Query()
	var rq store.RangeQuery
	var start, end *time.Time

	if s := q.Get("start"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid 'start' parameter (RFC3339, YYYY-MM-DD or Unix epoch)")
			return
		}
		ts := t.Unix()
		rq.Start, start = &ts, &t
	}
	if s := q.Get("end"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid 'end' parameter (RFC3339, YYYY-MM-DD or Unix epoch)")
			return
		}
		ts := t.Unix()
		rq.End, end = &ts, &t
	}
	if start != nil && end != nil && start.After(*end) {
		h.writeError(w, http.StatusBadRequest, "'start' must not be after 'end'")
		return
	}

	rq.Limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLimit {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid 'limit' parameter (1-%d)", maxLimit))
			return
		}
		rq.Limit = n
	}

	ms, err := h.Store.QueryRange(r.Context(), mac, rq)
	if err != nil {
		h.internalError(w, r, "failed to get measurements", err)
		return
	}
	if ms == nil {
		ms = []store.Measurement{}
	}

	type measurementsResponse struct {
		MACAddress   string              `json:"mac_address"`
		Start        *time.Time          `json:"start,omitempty"`
		End          *time.Time          `json:"end,omitempty"`
		Limit        int                 `json:"limit"`
		Count        int                 `json:"count"`
		Measurements []store.Measurement `json:"measurements"`
	}

	h.writeJSON(w, http.StatusOK, measurementsResponse{
		MACAddress:   mac,
		Start:        start,
		End:          end,
		Limit:        rq.Limit,
		Count:        len(ms),
		Measurements: ms,
	})
}

// ListBackups handles GET /api/v1/backups
func (h *Handlers) ListBackups(w http.ResponseWriter, r *http.Request) {
	type backupsResponse struct {
		Enabled bool            `json:"enabled"`
		Backups []backup.Object `json:"backups"`
	}

	if h.Backups == nil {
		h.writeJSON(w, http.StatusOK, backupsResponse{Backups: []backup.Object{}})
		return
	}

	res, err := h.Backups.List(r.Context())
	if err != nil {
		h.logger().Error("failed to list backups", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, backup.ErrTransport) {
			status = http.StatusBadGateway
		}
		h.writeError(w, status, "failed to list backups")
		return
	}

	objects := res.Objects
	if objects == nil {
		objects = []backup.Object{}
	}
	h.writeJSON(w, http.StatusOK, backupsResponse{Enabled: !res.Disabled, Backups: objects})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type dbHealth struct {
		Driver        string `json:"driver"`
		Status        string `json:"status"`
		SizeBytes     int64  `json:"size_bytes,omitempty"`
		TotalRecords  int64  `json:"total_measurements"`
		SchemaVersion int    `json:"schema_version"`
	}
	type healthResponse struct {
		Status    string            `json:"status"`
		Version   string            `json:"version"`
		Uptime    string            `json:"uptime"`
		Collector *collector.Status `json:"collector,omitempty"`
		Database  dbHealth          `json:"database"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
		Database: dbHealth{
			Driver:        "sqlite",
			Status:        "ok",
			SchemaVersion: store.CurrentSchemaVersion,
		},
	}

	if h.Collector != nil {
		st := h.Collector.Status()
		resp.Collector = &st
	}

	// Path omitted to avoid exposing filesystem details.
	if h.StoragePath != "" {
		if info, err := os.Stat(h.StoragePath); err == nil {
			resp.Database.SizeBytes = info.Size()
		}
	}

	n, err := h.Store.RecordCount(r.Context(), "")
	if err != nil {
		h.logger().Warn("health check: counting measurements failed", "error", err)
		resp.Status = "degraded"
		resp.Database.Status = "error"
	}
	resp.Database.TotalRecords = n

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
