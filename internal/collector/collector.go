package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/weatherlogd/internal/ambient"
	"github.com/chadmayfield/weatherlogd/internal/retry"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

// Source is the data source the collector polls.
type Source interface {
	Devices(ctx context.Context) ([]ambient.Device, error)
	DeviceData(ctx context.Context, mac string, limit int, end time.Time) ([]ambient.Reading, error)
}

// Streamer pushes readings as the station publishes them.
type Streamer interface {
	Run(ctx context.Context, h ambient.StreamHandler) error
}

// Status is a snapshot of the collector's progress.
type Status struct {
	MACAddress            string    `json:"mac_address"`
	Running               bool      `json:"running"`
	Streaming             bool      `json:"streaming"`
	LastPollAt            time.Time `json:"last_poll_at,omitempty"`
	LastStreamAt          time.Time `json:"last_stream_at,omitempty"`
	LastObsAt             time.Time `json:"last_obs_at,omitempty"`
	ObservationAgeSeconds float64   `json:"observation_age_seconds,omitempty"`
	Inserted              int64     `json:"inserted"`
	Duplicates            int64     `json:"duplicates"`
	ErrorCount            int       `json:"error_count"`
	LastError             string    `json:"last_error,omitempty"`
}

// pollLimit readings are requested per poll so a missed poll or two is
// recovered on the next; duplicates are dropped by the store.
const pollLimit = 10

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Minute
)

// Collector polls one device and stores every new measurement.
type Collector struct {
	store    store.Store
	source   Source
	mac      string
	interval time.Duration
	policy   retry.Policy
	logger   *slog.Logger

	stream       Streamer
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu     sync.RWMutex
	status Status
}

// NewCollector creates a collector for the device at mac.
func NewCollector(s store.Store, src Source, mac string, interval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	p := retry.Default
	p.Retryable = ambient.Retryable
	return &Collector{
		store:    s,
		source:   src,
		mac:      mac,
		interval: interval,
		policy:   p,
		logger:   logger,
		status:   Status{MACAddress: mac},

		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}
}

// SetStream adds a realtime source. Polling continues as a fallback and
// skips its turn while the stream is delivering.
func (c *Collector) SetStream(s Streamer) {
	c.stream = s
}

// Start records device metadata, then collects until ctx is cancelled.
// Polled and streamed measurements are handed to a single writer one at a
// time.
func (c *Collector) Start(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	if err := c.SyncDevice(ctx); err != nil {
		c.logger.Warn("device metadata sync failed", "mac_address", c.mac, "error", err)
		c.recordError(err)
	}

	ch := make(chan store.Measurement, pollLimit)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.pollLoop(gctx, ch)
		return nil
	})
	if c.stream != nil {
		g.Go(func() error {
			c.streamLoop(gctx, ch)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		close(ch)
		done <- err
	}()
	c.consume(ctx, ch)
	return <-done
}

// SyncDevice upserts the configured device's name and location from the
// account's device list.
func (c *Collector) SyncDevice(ctx context.Context) error {
	var devices []ambient.Device
	err := c.policy.Do(ctx, c.logger, "devices", func(ctx context.Context) error {
		var err error
		devices, err = c.source.Devices(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	for _, d := range devices {
		if !strings.EqualFold(d.MACAddress, c.mac) {
			continue
		}
		name, location := optional(d.Info.Name), optional(d.Info.Location)
		if err := c.store.UpsertDevice(ctx, c.mac, name, location); err != nil {
			return fmt.Errorf("saving device: %w", err)
		}
		c.logger.Info("device metadata updated", "mac_address", c.mac, "name", d.Info.Name)
		return nil
	}

	c.logger.Warn("configured device not found on account", "mac_address", c.mac, "devices", len(devices))
	return c.store.UpsertDevice(ctx, c.mac, nil, nil)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (c *Collector) pollLoop(ctx context.Context, out chan<- store.Measurement) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if c.streamCurrent(time.Now()) {
			c.logger.Debug("realtime stream is current, skipping poll", "mac_address", c.mac)
		} else if err := c.poll(ctx, out); err != nil && ctx.Err() == nil {
			c.logger.Error("poll failed", "mac_address", c.mac, "error", err)
			c.recordError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// streamCurrent reports whether the stream delivered a reading within two
// poll intervals.
func (c *Collector) streamCurrent(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Streaming && now.Sub(c.status.LastStreamAt) < 2*c.interval
}

// streamLoop keeps the realtime session open, reconnecting with backoff.
func (c *Collector) streamLoop(ctx context.Context, out chan<- store.Measurement) {
	h := &streamHandler{collector: c, ctx: ctx, out: out}
	backoff := c.reconnectMin
	for {
		start := time.Now()
		err := c.stream.Run(ctx, h)
		c.setStreaming(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, ambient.ErrStreamClosed) {
			c.recordError(err)
		}
		// Reset backoff if the session was stable for a while.
		if time.Since(start) > c.reconnectMax {
			backoff = c.reconnectMin
		}
		c.logger.Warn("realtime stream disconnected, reconnecting",
			"mac_address", c.mac,
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.reconnectMax)
	}
}

// streamHandler forwards realtime readings for the collector's device.
type streamHandler struct {
	collector *Collector
	ctx       context.Context
	out       chan<- store.Measurement
}

func (h *streamHandler) OnSubscribed(devices int) {
	h.collector.setStreaming(true)
	if devices == 0 {
		h.collector.logger.Warn("realtime subscription lists no devices", "mac_address", h.collector.mac)
	}
}

func (h *streamHandler) OnReading(r ambient.Reading) {
	c := h.collector
	if mac := r.MACAddress(); mac != "" && !strings.EqualFold(mac, c.mac) {
		c.logger.Debug("realtime reading for another device", "mac_address", mac)
		return
	}
	m, err := r.Measurement(c.mac)
	if err != nil {
		c.logger.Warn("skipping realtime reading", "mac_address", c.mac, "error", err)
		return
	}

	c.mu.Lock()
	c.status.Streaming = true
	c.status.LastStreamAt = time.Now().UTC()
	c.mu.Unlock()

	select {
	case <-h.ctx.Done():
	case h.out <- m:
	}
}

// poll fetches the latest readings and sends them oldest first.
func (c *Collector) poll(ctx context.Context, out chan<- store.Measurement) error {
	var readings []ambient.Reading
	err := c.policy.Do(ctx, c.logger, "device data", func(ctx context.Context) error {
		var err error
		readings, err = c.source.DeviceData(ctx, c.mac, pollLimit, time.Time{})
		return err
	})
	c.mu.Lock()
	c.status.LastPollAt = time.Now().UTC()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for i := len(readings) - 1; i >= 0; i-- {
		m, err := readings[i].Measurement(c.mac)
		if err != nil {
			c.logger.Warn("skipping reading", "mac_address", c.mac, "error", err)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- m:
		}
	}
	return nil
}

// consume is the only writer. It drains in until the channel is closed.
func (c *Collector) consume(ctx context.Context, in <-chan store.Measurement) {
	for m := range in {
		c.save(ctx, m)
	}
}

func (c *Collector) save(parent context.Context, m store.Measurement) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic saving measurement", "error", r, "timestamp", m.Timestamp)
		}
	}()

	// A detached context lets the final insert finish during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	_, inserted, err := c.store.Insert(ctx, &m)
	if err != nil {
		c.logger.Error("failed to save measurement", "mac_address", m.MACAddress, "error", err)
		c.recordError(err)
		return
	}

	c.mu.Lock()
	if inserted {
		c.status.Inserted++
	} else {
		c.status.Duplicates++
	}
	if m.Time().After(c.status.LastObsAt) {
		c.status.LastObsAt = m.Time()
	}
	c.mu.Unlock()

	if inserted {
		attrs := []any{"mac_address", m.MACAddress, "timestamp", m.Time().Format(time.RFC3339)}
		if m.TempOutdoor != nil {
			attrs = append(attrs, "temp_f", fmt.Sprintf("%.1f", *m.TempOutdoor))
		}
		c.logger.Info("saved measurement", attrs...)
	} else {
		c.logger.Debug("duplicate measurement", "timestamp", m.Timestamp)
	}
}

// Status returns a snapshot of the collector state.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.status
	if !s.LastObsAt.IsZero() {
		s.ObservationAgeSeconds = time.Since(s.LastObsAt).Seconds()
	}
	return s
}

func (c *Collector) setRunning(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = v
}

func (c *Collector) setStreaming(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Streaming = v
}

func (c *Collector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ErrorCount++
	c.status.LastError = err.Error()
}
