package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/ambient"
	"github.com/chadmayfield/weatherlogd/internal/retry"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

const (
	requestPace    = 2 * time.Second
	defaultMaxDays = 7
	staleAfter     = 5 * time.Minute
)

// BackfillResult summarises a backfill run.
type BackfillResult struct {
	Requests int `json:"requests"`
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
}

// Backfiller pages backwards through a device's history and stores what is
// missing.
type Backfiller struct {
	store  store.Store
	source Source
	policy retry.Policy
	logger *slog.Logger
	pace   time.Duration
	now    func() time.Time
}

// NewBackfiller creates a Backfiller that spaces requests 2s apart.
func NewBackfiller(s store.Store, src Source, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	p := retry.Default
	p.Retryable = ambient.Retryable
	return &Backfiller{
		store:  s,
		source: src,
		policy: p,
		logger: logger,
		pace:   requestPace,
		now:    time.Now,
	}
}

// Backfill stores readings for mac in [from, to). It requests pages of up
// to ambient.MaxLimit readings ending at to and walks backwards until it
// passes from or the history runs out.
func (b *Backfiller) Backfill(ctx context.Context, mac string, from, to time.Time) (BackfillResult, error) {
	var res BackfillResult
	end := to

	for end.After(from) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		var readings []ambient.Reading
		err := b.policy.Do(ctx, b.logger, "backfill", func(ctx context.Context) error {
			var err error
			readings, err = b.source.DeviceData(ctx, mac, ambient.MaxLimit, end)
			return err
		})
		res.Requests++
		if err != nil {
			return res, fmt.Errorf("fetching readings ending %s: %w", end.Format(time.RFC3339), err)
		}
		if len(readings) == 0 {
			break
		}

		batch := make([]store.Measurement, 0, len(readings))
		oldest := end
		for _, r := range readings {
			m, err := r.Measurement(mac)
			if err != nil {
				b.logger.Warn("skipping reading", "mac_address", mac, "error", err)
				continue
			}
			t := m.Time()
			if t.Before(oldest) {
				oldest = t
			}
			if t.Before(from) || !t.Before(to) {
				continue
			}
			batch = append(batch, m)
		}
		res.Fetched += len(batch)

		if len(batch) > 0 {
			n, err := b.store.InsertBatch(ctx, batch)
			if err != nil {
				return res, fmt.Errorf("saving readings: %w", err)
			}
			res.Inserted += n
		}

		b.logger.Info("backfilled page",
			"mac_address", mac,
			"through", oldest.Format(time.RFC3339),
			"fetched", len(batch),
			"inserted", res.Inserted,
		)

		// A short page is the end of the device history; a page that does
		// not move backwards would loop forever.
		if len(readings) < ambient.MaxLimit || !oldest.Before(end) {
			break
		}
		end = oldest

		if end.After(from) && b.pace > 0 {
			t := time.NewTimer(b.pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return res, ctx.Err()
			case <-t.C:
			}
		}
	}

	b.logger.Info("backfill complete", "mac_address", mac, "requests", res.Requests, "inserted", res.Inserted)
	return res, nil
}

// DetectAndFill backfills from the newest stored measurement up to now, or
// maxDays of history when nothing is stored. Nothing is fetched when the
// newest measurement is recent.
func (b *Backfiller) DetectAndFill(ctx context.Context, mac string, maxDays int) (BackfillResult, error) {
	if maxDays <= 0 {
		maxDays = defaultMaxDays
	}

	latest, ok, err := b.store.LatestTimestamp(ctx, mac)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("getting latest timestamp: %w", err)
	}

	now := b.now().UTC()
	earliest := now.AddDate(0, 0, -maxDays)
	var from time.Time

	switch {
	case !ok:
		from = earliest
		b.logger.Info("no existing data, backfilling from scratch", "mac_address", mac, "days", maxDays)
	case now.Sub(time.Unix(latest, 0)) > staleAfter:
		from = time.Unix(latest, 0).UTC()
		if from.Before(earliest) {
			from = earliest
		}
		b.logger.Info("gap detected, backfilling", "mac_address", mac, "gap_since", from.Format(time.RFC3339))
	default:
		b.logger.Info("data is current, no backfill needed", "mac_address", mac)
		return BackfillResult{}, nil
	}

	return b.Backfill(ctx, mac, from, now.Add(time.Second))
}
