package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/ambient"
)

// history returns n readings one minute apart ending just before end,
// newest first.
func history(end time.Time, n int) []ambient.Reading {
	out := make([]ambient.Reading, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, readingAt(end.Add(-time.Duration(i)*time.Minute), float64(60+i%10)))
	}
	return out
}

func newTestBackfiller(ms *mockStore, src *mockSource, now time.Time) *Backfiller {
	b := NewBackfiller(ms, src, discardLogger())
	b.pace = 0
	b.policy = fastPolicy()
	b.now = func() time.Time { return now }
	return b
}

func TestBackfiller_Backfill(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, 120)}
	ms := newMockStore()
	b := newTestBackfiller(ms, src, now)

	res, err := b.Backfill(context.Background(), testMAC, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Inserted != 60 {
		t.Errorf("Inserted = %d, want 60 readings inside the window", res.Inserted)
	}
	if ms.count() != 60 {
		t.Errorf("stored %d, want 60", ms.count())
	}
	if src.callCount() != 1 {
		t.Errorf("calls = %d, want 1 for a short page", src.callCount())
	}
}

func TestBackfiller_MultiPage(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	total := ambient.MaxLimit*2 + 50
	src := &mockSource{history: history(now, total)}
	ms := newMockStore()
	b := newTestBackfiller(ms, src, now)

	res, err := b.Backfill(context.Background(), testMAC, now.AddDate(0, 0, -2), now)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Requests != 3 {
		t.Errorf("Requests = %d, want 3", res.Requests)
	}
	if res.Inserted != total || ms.count() != total {
		t.Errorf("Inserted = %d stored = %d, want %d", res.Inserted, ms.count(), total)
	}

	// Each page ends at the oldest reading of the previous one.
	if !src.ends[0].Equal(now) {
		t.Errorf("first end = %v, want %v", src.ends[0], now)
	}
	wantSecond := now.Add(-time.Duration(ambient.MaxLimit) * time.Minute)
	if !src.ends[1].Equal(wantSecond) {
		t.Errorf("second end = %v, want %v", src.ends[1], wantSecond)
	}
}

func TestBackfiller_StopsAtFrom(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, ambient.MaxLimit*3)}
	ms := newMockStore()
	b := newTestBackfiller(ms, src, now)

	from := now.Add(-time.Duration(ambient.MaxLimit+10) * time.Minute)
	res, err := b.Backfill(context.Background(), testMAC, from, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requests != 2 {
		t.Errorf("Requests = %d, want 2", res.Requests)
	}
	if res.Inserted != ambient.MaxLimit+10 {
		t.Errorf("Inserted = %d, want %d", res.Inserted, ambient.MaxLimit+10)
	}
}

func TestBackfiller_Idempotent(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, 30)}
	ms := newMockStore()
	b := newTestBackfiller(ms, src, now)

	first, err := b.Backfill(context.Background(), testMAC, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Backfill(context.Background(), testMAC, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if first.Inserted != 30 || second.Inserted != 0 {
		t.Errorf("inserted %d then %d, want 30 then 0", first.Inserted, second.Inserted)
	}
	if ms.count() != 30 {
		t.Errorf("stored %d, want 30", ms.count())
	}
}

func TestBackfiller_FetchError(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, 10), dataErrs: []error{ambient.ErrAuth}}
	b := newTestBackfiller(newMockStore(), src, now)

	if _, err := b.Backfill(context.Background(), testMAC, now.Add(-time.Hour), now); !errors.Is(err, ambient.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestBackfiller_ContextCancellation(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, 10)}
	b := newTestBackfiller(newMockStore(), src, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Backfill(ctx, testMAC, now.Add(-time.Hour), now); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if src.callCount() != 0 {
		t.Errorf("calls = %d, want 0", src.callCount())
	}
}

func TestBackfiller_Pacing(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: history(now, ambient.MaxLimit*2+1)}
	b := newTestBackfiller(newMockStore(), src, now)
	b.pace = 30 * time.Millisecond

	if _, err := b.Backfill(context.Background(), testMAC, now.AddDate(0, 0, -1), now); err != nil {
		t.Fatal(err)
	}
	if len(src.callTimes) != 3 {
		t.Fatalf("calls = %d, want 3", len(src.callTimes))
	}
	for i := 1; i < len(src.callTimes); i++ {
		if gap := src.callTimes[i].Sub(src.callTimes[i-1]); gap < 25*time.Millisecond {
			t.Errorf("gap %d = %s, want >= 30ms pacing", i, gap)
		}
	}
}

func TestBackfiller_DetectAndFill(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		stored    []time.Time
		maxDays   int
		wantCalls int
		wantFrom  time.Time
	}{
		{name: "empty store uses max days", maxDays: 1, wantCalls: 1, wantFrom: now.AddDate(0, 0, -1)},
		{name: "current data is left alone", stored: []time.Time{now.Add(-2 * time.Minute)}, maxDays: 7},
		{name: "gap fills from latest", stored: []time.Time{now.Add(-3 * time.Hour)}, maxDays: 7, wantCalls: 1, wantFrom: now.Add(-3 * time.Hour)},
		{name: "old gap capped at max days", stored: []time.Time{now.AddDate(0, 0, -30)}, maxDays: 2, wantCalls: 1, wantFrom: now.AddDate(0, 0, -2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockStore()
			for _, ts := range tt.stored {
				if _, _, err := ms.Insert(context.Background(), ptrMeasurement(ts)); err != nil {
					t.Fatal(err)
				}
			}
			src := &mockSource{history: history(now, 10)}
			b := newTestBackfiller(ms, src, now)

			if _, err := b.DetectAndFill(context.Background(), testMAC, tt.maxDays); err != nil {
				t.Fatalf("DetectAndFill: %v", err)
			}
			if src.callCount() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", src.callCount(), tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			want := 0
			for _, r := range src.history {
				ts, _ := r.Time()
				if !ts.Before(tt.wantFrom) {
					want++
				}
			}
			if got := ms.count() - len(tt.stored); got != want {
				t.Errorf("backfilled %d, want %d", got, want)
			}
		})
	}
}

func TestBackfiller_DefaultMaxDays(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	src := &mockSource{history: []ambient.Reading{
		readingAt(now.AddDate(0, 0, -6), 70),
		readingAt(now.AddDate(0, 0, -8), 70),
	}}
	ms := newMockStore()
	b := newTestBackfiller(ms, src, now)

	if _, err := b.DetectAndFill(context.Background(), testMAC, 0); err != nil {
		t.Fatal(err)
	}
	if ms.count() != 1 {
		t.Errorf("stored %d, want only the reading inside 7 days", ms.count())
	}
}
