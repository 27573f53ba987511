package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/retry"
	"github.com/chadmayfield/weatherlogd/internal/schedule"
)

// fakeClock advances only when the scheduler sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	now := c.t
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fakeCreator struct {
	clock  *fakeClock
	calls  []time.Time
	errs   []error
	stopAt int
	cancel context.CancelFunc
}

func (f *fakeCreator) Create(ctx context.Context) (CreateResult, error) {
	f.calls = append(f.calls, f.clock.now())
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if len(f.calls) >= f.stopAt {
		f.cancel()
	}
	return CreateResult{Key: "k"}, err
}

type fakeCheckpointer struct {
	calls int
}

func (f *fakeCheckpointer) Checkpoint(context.Context) error {
	f.calls++
	return nil
}

func newTestScheduler(clock *fakeClock, c Creator, cp Checkpointer) *Scheduler {
	s := NewScheduler(c, schedule.Daily{Hour: 2, Minute: 0}, cp, testLogger)
	s.now = clock.now
	s.after = clock.after
	s.policy = retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, ErrTransport) },
	}
	return s
}

func TestScheduler_RunsDaily(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 30, 12, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creator := &fakeCreator{clock: clock, stopAt: 3, cancel: cancel}
	cp := &fakeCheckpointer{}
	s := newTestScheduler(clock, creator, cp)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Time{
		time.Date(2024, 1, 31, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 2, 2, 0, 0, 0, time.UTC),
	}
	if len(creator.calls) != len(want) {
		t.Fatalf("Create called %d times, want %d", len(creator.calls), len(want))
	}
	for i, w := range want {
		if !creator.calls[i].Equal(w) {
			t.Errorf("call %d at %s, want %s", i, creator.calls[i], w)
		}
	}
	if cp.calls != 3 {
		t.Errorf("checkpoint calls = %d, want 3", cp.calls)
	}
	for _, d := range clock.sleeps {
		if d > maxTick {
			t.Fatalf("slept %s, longer than %s", d, maxTick)
		}
	}
}

func TestScheduler_RetriesTransportErrors(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 6, 15, 1, 59, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transient := &TransportError{Op: "upload", Err: errors.New("reset")}
	creator := &fakeCreator{clock: clock, stopAt: 2, cancel: cancel, errs: []error{transient}}
	s := newTestScheduler(clock, creator, nil)

	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(creator.calls) != 2 {
		t.Errorf("Create called %d times, want 2 (one retry)", len(creator.calls))
	}
}

func TestScheduler_KeepsRunningAfterFailure(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 6, 15, 1, 59, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A missing source is not retried; the next day still runs.
	creator := &fakeCreator{clock: clock, stopAt: 2, cancel: cancel, errs: []error{ErrSourceMissing}}
	s := newTestScheduler(clock, creator, nil)

	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(creator.calls) != 2 {
		t.Fatalf("Create called %d times, want 2", len(creator.calls))
	}
	if got := creator.calls[1].Sub(creator.calls[0]); got != 24*time.Hour {
		t.Errorf("second run %s after first, want 24h", got)
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(&fakeCreator{}, schedule.Daily{Hour: 2}, nil, testLogger)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
