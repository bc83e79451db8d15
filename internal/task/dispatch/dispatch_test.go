package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fn    func(n int) error
	block chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, owner int64, text string) error {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	n := len(s.calls)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fn != nil {
		return s.fn(n)
	}
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeArm struct {
	mu    sync.Mutex
	armed map[int64]time.Time
	// onSchedule runs after each Schedule, outside the lock.
	onSchedule func(id int64)
}

func (a *fakeArm) Schedule(id int64, at time.Time) {
	a.mu.Lock()
	if a.armed == nil {
		a.armed = map[int64]time.Time{}
	}
	a.armed[id] = at
	hook := a.onSchedule
	a.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

func (a *fakeArm) Cancel(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.armed[id]
	delete(a.armed, id)
	return ok
}

func (a *fakeArm) get(id int64) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.armed[id]
	return at, ok
}

type fixture struct {
	clk    *clock.Fake
	store  storage.Store
	sender *fakeSender
	arm    *fakeArm
	bus    eventbus.Bus
	d      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	st, err := storage.Open(storage.Config{Driver: "memory"}, clk, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{clk: clk, store: st, sender: &fakeSender{}, arm: &fakeArm{}, bus: eventbus.New()}
	f.d = New(Config{}, st, f.arm, f.sender, clk, logx.Nop(), f.bus)
	return f
}

func (f *fixture) create(t *testing.T, d reminder.Draft) reminder.Reminder {
	t.Helper()
	if d.OwnerID == 0 {
		d.OwnerID = 7
	}
	if d.Title == "" {
		d.Title = "Pay rent"
	}
	r, err := f.store.Create(context.Background(), d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func (f *fixture) get(t *testing.T, id int64) reminder.Reminder {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	return r
}

func mustDeliver(t *testing.T, d *Dispatcher, id int64, want Outcome) {
	t.Helper()
	got, err := d.Deliver(context.Background(), id)
	if err != nil {
		t.Fatalf("Deliver(%d): %v", id, err)
	}
	if got != want {
		t.Fatalf("Deliver(%d) = %s, want %s", id, got, want)
	}
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Hour)})
	f.clk.Set(t0.Add(time.Hour + 2*time.Second))
	mustDeliver(t, f.d, r.ID, OutcomeSent)

	got := f.get(t, r.ID)
	if got.Status != reminder.StatusSent || !got.SentAt.Equal(f.clk.Now()) {
		t.Fatalf("after delivery: %+v", got)
	}
	if f.sender.count() != 1 || !strings.Contains(f.sender.calls[0], "Pay rent") {
		t.Fatalf("sender calls = %q", f.sender.calls)
	}
	ev := <-events
	if ev.Type != eventbus.ReminderSent {
		t.Fatalf("event = %s", ev.Type)
	}

	// A second attempt is a no-op.
	mustDeliver(t, f.d, r.ID, OutcomeSkipped)
	if f.sender.count() != 1 {
		t.Fatalf("sender called again: %d", f.sender.count())
	}
	if snap := f.d.Snapshot(); snap.Delivered != 1 || snap.Skipped != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDeliverAtMostOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	var (
		wg   sync.WaitGroup
		sent atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out, err := f.d.Deliver(context.Background(), r.ID); err == nil && out == OutcomeSent {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()
	if sent.Load() != 1 || f.sender.count() != 1 {
		t.Fatalf("sent outcomes = %d, sender calls = %d, want 1 and 1", sent.Load(), f.sender.count())
	}
}

func TestDeliverRetriesThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.fn = func(int) error { return reminder.Retryable(errors.New("telegram 502")) }
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	got := f.get(t, r.ID)
	want := f.clk.Now().Add(2 * time.Minute)
	if got.Status != reminder.StatusPending || got.RetryCount != 1 || !got.ScheduledAt.Equal(want) {
		t.Fatalf("after first failure: %+v", got)
	}
	if at, ok := f.arm.get(r.ID); !ok || !at.Equal(want) {
		t.Fatalf("retry armed at %v, %v; want %v", at, ok, want)
	}
	if !strings.Contains(got.LastError, "502") {
		t.Fatalf("LastError = %q", got.LastError)
	}

	// Not yet due: the dispatcher leaves it alone.
	mustDeliver(t, f.d, r.ID, OutcomeSkipped)

	f.clk.Set(want)
	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	got = f.get(t, r.ID)
	want = f.clk.Now().Add(4 * time.Minute)
	if got.RetryCount != 2 || !got.ScheduledAt.Equal(want) {
		t.Fatalf("after second failure: %+v", got)
	}

	f.clk.Set(want)
	mustDeliver(t, f.d, r.ID, OutcomeFailed)
	got = f.get(t, r.ID)
	if got.Status != reminder.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("after exhaustion: %+v", got)
	}
	if f.sender.count() != 3 {
		t.Fatalf("sender calls = %d, want 3", f.sender.count())
	}
}

func TestDeliverPermanentFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.fn = func(int) error { return reminder.Permanent(errors.New("bot was blocked by the user")) }
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute), Repeat: reminder.Rule{Kind: reminder.RepeatDaily}})
	f.clk.Set(t0.Add(time.Minute))

	mustDeliver(t, f.d, r.ID, OutcomeFailed)
	got := f.get(t, r.ID)
	if got.Status != reminder.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("after permanent failure: %+v", got)
	}
	pending, _ := f.store.ListPending(context.Background(), 7)
	if len(pending) != 0 {
		t.Fatalf("failed recurring reminder produced a successor: %+v", pending)
	}
}

func TestDeliverPanicIsRetryable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.fn = func(int) error { panic("nil chat") }
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	if got := f.get(t, r.ID); got.Status != reminder.StatusPending || !strings.Contains(got.LastError, "panic") {
		t.Fatalf("after panic: %+v", got)
	}
}

func TestDeliverDailyRecurrenceDoesNotDrift(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	anchor := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	r := f.create(t, reminder.Draft{ScheduledAt: anchor, Repeat: reminder.Rule{Kind: reminder.RepeatDaily}})

	id := r.ID
	lateness := []time.Duration{3 * time.Second, 7 * time.Second, 40 * time.Second}
	for i, late := range lateness {
		f.clk.Set(anchor.AddDate(0, 0, i).Add(late))
		mustDeliver(t, f.d, id, OutcomeSent)

		pending, err := f.store.ListPending(context.Background(), 7)
		if err != nil || len(pending) != 1 {
			t.Fatalf("pending after delivery %d = %+v, %v", i, pending, err)
		}
		next := pending[0]
		want := anchor.AddDate(0, 0, i+1)
		if !next.ScheduledAt.Equal(want) {
			t.Fatalf("occurrence %d at %v, want %v", i+1, next.ScheduledAt, want)
		}
		if next.SeriesID != r.ID || next.Sequence != i+1 || !next.AnchorAt.Equal(anchor) {
			t.Fatalf("series bookkeeping = %+v", next)
		}
		if at, ok := f.arm.get(next.ID); !ok || !at.Equal(want) {
			t.Fatalf("successor armed at %v, %v", at, ok)
		}
		id = next.ID
	}
}

func TestDeliverRecurrenceSkipsMissedOccurrences(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	anchor := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	r := f.create(t, reminder.Draft{ScheduledAt: anchor, Repeat: reminder.Rule{Kind: reminder.RepeatDaily}})

	// Down for three days: one catch-up delivery, then the next future slot.
	f.clk.Set(anchor.AddDate(0, 0, 3).Add(time.Hour))
	mustDeliver(t, f.d, r.ID, OutcomeSent)
	pending, _ := f.store.ListPending(context.Background(), 7)
	if len(pending) != 1 || !pending[0].ScheduledAt.Equal(anchor.AddDate(0, 0, 4)) {
		t.Fatalf("successor after outage = %+v", pending)
	}
}

func TestDeliverRespectsUntil(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	anchor := t0.Add(time.Hour)
	r := f.create(t, reminder.Draft{ScheduledAt: anchor, Repeat: reminder.Rule{Kind: reminder.RepeatDaily, Until: anchor.Add(12 * time.Hour)}})
	f.clk.Set(anchor)
	mustDeliver(t, f.d, r.ID, OutcomeSent)
	if pending, _ := f.store.ListPending(context.Background(), 7); len(pending) != 0 {
		t.Fatalf("series continued past Until: %+v", pending)
	}
}

func TestDeliverLosesToCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))
	if ok, err := f.store.UpdateStatus(context.Background(), r.ID, reminder.StatusPending, reminder.StatusCancelled, reminder.Changes{}); !ok || err != nil {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	mustDeliver(t, f.d, r.ID, OutcomeSkipped)
	if f.sender.count() != 0 {
		t.Fatal("cancelled reminder was sent")
	}
	if got := f.get(t, r.ID); got.Status != reminder.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDeliverSkipsRescheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	later := t0.Add(time.Hour)
	f.store.UpdateStatus(context.Background(), r.ID, reminder.StatusPending, reminder.StatusPending, reminder.Changes{ScheduledAt: &later})
	f.clk.Set(t0.Add(time.Minute))
	// A resync rebuilt the timer from a stale snapshot and armed the old time.
	f.arm.Schedule(r.ID, t0.Add(time.Minute))
	mustDeliver(t, f.d, r.ID, OutcomeSkipped)
	if f.sender.count() != 0 {
		t.Fatal("rescheduled reminder was sent early")
	}
	if at, ok := f.arm.get(r.ID); !ok || !at.Equal(later) {
		t.Fatalf("armed at %v, %v; want %v", at, ok, later)
	}
}

func TestDeliverMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	mustDeliver(t, f.d, 404, OutcomeSkipped)
}

func TestDeliverCancelledContextStillReverts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.block = make(chan struct{})
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := f.d.Deliver(ctx, r.ID)
		done <- out
	}()
	for f.sender.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if out, _ := f.d.Deliver(context.Background(), r.ID); out != OutcomeBusy {
		t.Fatalf("overlapping Deliver = %s, want busy", out)
	}
	cancel()
	if out := <-done; out != OutcomeInterrupted {
		t.Fatalf("outcome = %s, want interrupted", out)
	}
	if got := f.get(t, r.ID); got.Status != reminder.StatusPending {
		t.Fatalf("status after shutdown = %s, want pending", got.Status)
	}
}

func TestDeliverShutdownKeepsRetryBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.block = make(chan struct{})
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	two := 2
	if ok, err := f.store.UpdateStatus(context.Background(), r.ID, reminder.StatusPending, reminder.StatusPending, reminder.Changes{RetryCount: &two}); !ok || err != nil {
		t.Fatalf("seed retry count = %v, %v", ok, err)
	}
	f.clk.Set(t0.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := f.d.Deliver(ctx, r.ID)
		done <- out
	}()
	for f.sender.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if out := <-done; out != OutcomeInterrupted {
		t.Fatalf("outcome = %s, want interrupted", out)
	}
	got := f.get(t, r.ID)
	if got.Status != reminder.StatusPending || got.RetryCount != 2 {
		t.Fatalf("after shutdown: status=%s retry_count=%d, want pending/2", got.Status, got.RetryCount)
	}
	if !got.ScheduledAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("scheduled_at moved to %v", got.ScheduledAt)
	}

	// The next attempt still has its last retry left.
	close(f.sender.block)
	mustDeliver(t, f.d, r.ID, OutcomeSent)
}

func TestDeliverSendTimeoutAbandonsStuckSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// Ignores ctx entirely.
	f.sender.fn = func(int) error {
		<-release
		return nil
	}
	f.d.Apply(Config{SendTimeout: 50 * time.Millisecond})
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	start := time.Now()
	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Deliver took %s with a 50ms send timeout", took)
	}
	got := f.get(t, r.ID)
	if got.Status != reminder.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after timeout: %+v", got)
	}
	if !strings.Contains(got.LastError, "deadline exceeded") {
		t.Fatalf("LastError = %q", got.LastError)
	}
}

func TestDeliverRetryDoesNotResurrectCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.fn = func(int) error { return reminder.Retryable(errors.New("telegram 502")) }
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	// The user cancels right after the revert, before the entry is armed.
	var once sync.Once
	f.arm.onSchedule = func(id int64) {
		once.Do(func() {
			_, _ = f.store.UpdateStatus(context.Background(), id, reminder.StatusPending, reminder.StatusCancelled, reminder.Changes{})
		})
	}
	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	if got := f.get(t, r.ID); got.Status != reminder.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if at, ok := f.arm.get(r.ID); ok {
		t.Fatalf("cancelled reminder still armed at %v", at)
	}
}

func TestDeliverRetryFollowsConcurrentReschedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.fn = func(int) error { return reminder.Retryable(errors.New("telegram 502")) }
	r := f.create(t, reminder.Draft{ScheduledAt: t0.Add(time.Minute)})
	f.clk.Set(t0.Add(time.Minute))

	later := t0.Add(5 * time.Hour)
	var once sync.Once
	f.arm.onSchedule = func(id int64) {
		once.Do(func() {
			_, _ = f.store.UpdateStatus(context.Background(), id, reminder.StatusPending, reminder.StatusPending, reminder.Changes{ScheduledAt: &later})
		})
	}
	mustDeliver(t, f.d, r.ID, OutcomeRetry)
	if at, ok := f.arm.get(r.ID); !ok || !at.Equal(later) {
		t.Fatalf("armed at %v, %v; want %v", at, ok, later)
	}
}
