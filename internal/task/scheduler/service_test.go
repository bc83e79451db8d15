package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type sent struct {
	owner int64
	text  string
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []sent
	block chan struct{}
	// deaf makes a blocked send ignore ctx.
	deaf bool
}

func (r *recordingSender) Send(ctx context.Context, owner int64, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, sent{owner: owner, text: text})
	block, deaf := r.block, r.deaf
	r.mu.Unlock()
	if block != nil && deaf {
		<-block
		return nil
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *recordingSender) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

type harness struct {
	clk    *clock.Fake
	store  storage.Store
	sender *recordingSender
	svc    *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	st, err := storage.Open(storage.Config{Driver: "memory"}, clk, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 2 * time.Millisecond
	}
	if cfg.Housekeeping == "" {
		cfg.Housekeeping = "-"
	}
	h := &harness{clk: clk, store: st, sender: &recordingSender{}}
	h.svc = New(cfg, st, h.sender, clk, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		_ = h.svc.Stop(context.Background())
		_ = st.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func (h *harness) status(t *testing.T, id int64) reminder.Status {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return r.Status
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle lets a few ticks run so late duplicates would show up.
func settle() { time.Sleep(30 * time.Millisecond) }

func TestPayRentScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.start(t)

	r, err := h.svc.CreateReminder(context.Background(), reminder.Draft{OwnerID: 42, Title: "Pay rent", ScheduledAt: t0.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	settle()
	if n := len(h.sender.all()); n != 0 {
		t.Fatalf("sent %d messages before the fire time", n)
	}

	h.clk.Advance(2 * time.Minute)
	eventually(t, "delivery", func() bool { return len(h.sender.all()) == 1 })
	settle()

	got := h.sender.all()
	if len(got) != 1 || got[0].owner != 42 || !strings.Contains(got[0].text, "Pay rent") {
		t.Fatalf("sent = %+v", got)
	}
	if st := h.status(t, r.ID); st != reminder.StatusSent {
		t.Fatalf("status = %s, want sent", st)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if h.svc.State() != StateStopped {
		t.Fatalf("initial state = %s", h.svc.State())
	}
	h.start(t)
	if h.svc.State() != StateRunning {
		t.Fatalf("state = %s, want running", h.svc.State())
	}
	if err := h.svc.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	h.stop(t)
	if h.svc.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", h.svc.State())
	}
	h.stop(t)
	h.start(t)
	h.stop(t)
}

func TestRestartDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 1, Title: "a", ScheduledAt: t0.Add(time.Minute)})
	b, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 1, Title: "b", ScheduledAt: t0.Add(time.Hour)})

	for i := 0; i < 3; i++ {
		h.start(t)
		if armed := h.svc.Snapshot().Armed; armed != 2 {
			t.Fatalf("run %d armed = %d, want 2", i, armed)
		}
		h.stop(t)
		if armed := h.svc.Snapshot().Armed; armed != 0 {
			t.Fatalf("armed after stop = %d", armed)
		}
	}

	h.start(t)
	h.clk.Advance(2 * time.Hour)
	eventually(t, "both deliveries", func() bool { return len(h.sender.all()) == 2 })
	h.stop(t)
	h.start(t)
	settle()
	if n := len(h.sender.all()); n != 2 {
		t.Fatalf("deliveries = %d, want 2", n)
	}
	if h.status(t, a.ID) != reminder.StatusSent || h.status(t, b.ID) != reminder.StatusSent {
		t.Fatal("reminders not marked sent")
	}
}

func TestOverdueCaughtUpOnStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	r, err := h.svc.CreateReminder(context.Background(), reminder.Draft{OwnerID: 3, Title: "missed", ScheduledAt: t0.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(6 * time.Hour) // process was down
	h.start(t)
	eventually(t, "catch-up delivery", func() bool { return len(h.sender.all()) == 1 })
	settle()
	if n := len(h.sender.all()); n != 1 {
		t.Fatalf("catch-up deliveries = %d, want 1", n)
	}
	if snap := h.svc.Snapshot(); snap.Recovery.CaughtUp != 1 {
		t.Fatalf("recovery report = %+v", snap.Recovery)
	}
	if h.status(t, r.ID) != reminder.StatusSent {
		t.Fatal("caught-up reminder not sent")
	}
}

func TestCancelReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.start(t)
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "call mom", ScheduledAt: t0.Add(time.Minute)})

	if ok, err := h.svc.CancelReminder(ctx, r.ID, 6); ok || err != nil {
		t.Fatalf("cancel by stranger = %v, %v", ok, err)
	}
	if ok, err := h.svc.CancelReminder(ctx, 999, 5); ok || err != nil {
		t.Fatalf("cancel missing = %v, %v", ok, err)
	}
	if ok, err := h.svc.CancelReminder(ctx, r.ID, 5); !ok || err != nil {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	if ok, _ := h.svc.CancelReminder(ctx, r.ID, 5); ok {
		t.Fatal("second cancel returned true")
	}
	h.clk.Advance(time.Hour)
	settle()
	if n := len(h.sender.all()); n != 0 {
		t.Fatalf("cancelled reminder delivered %d times", n)
	}
	if h.status(t, r.ID) != reminder.StatusCancelled {
		t.Fatal("status not cancelled")
	}
}

func TestCancelAfterDeliveryReturnsFalse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.start(t)
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "x", ScheduledAt: t0.Add(time.Minute)})
	h.clk.Advance(time.Minute)
	eventually(t, "delivery", func() bool { return len(h.sender.all()) == 1 })
	if ok, _ := h.svc.CancelReminder(ctx, r.ID, 5); ok {
		t.Fatal("cancel after delivery returned true")
	}
}

func TestRescheduleReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.start(t)
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "dentist", ScheduledAt: t0.Add(time.Minute)})

	if _, err := h.svc.RescheduleReminder(ctx, r.ID, 5, t0.Add(-time.Minute)); !reminder.IsValidation(err) {
		t.Fatalf("past reschedule = %v, want ValidationError", err)
	}
	if ok, _ := h.svc.RescheduleReminder(ctx, r.ID, 9, t0.Add(time.Hour)); ok {
		t.Fatal("stranger rescheduled")
	}
	if ok, err := h.svc.RescheduleReminder(ctx, r.ID, 5, t0.Add(time.Hour)); !ok || err != nil {
		t.Fatalf("reschedule = %v, %v", ok, err)
	}

	h.clk.Advance(2 * time.Minute)
	settle()
	if n := len(h.sender.all()); n != 0 {
		t.Fatalf("delivered at the old time (%d)", n)
	}
	h.clk.Set(t0.Add(time.Hour))
	eventually(t, "delivery at the new time", func() bool { return len(h.sender.all()) == 1 })
}

func TestDeleteReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "tmp", ScheduledAt: t0.Add(time.Minute)})
	if ok, err := h.svc.DeleteReminder(ctx, r.ID, 5); !ok || err != nil {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if h.svc.Snapshot().Armed != 0 {
		t.Fatal("deleted reminder still armed")
	}
	if _, err := h.svc.Get(ctx, r.ID, 5); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Get deleted = %v", err)
	}
}

func TestCreateDefaultsCalendarZone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "Asia/Jakarta"})
	r, err := h.svc.CreateReminder(context.Background(), reminder.Draft{
		OwnerID: 1, Title: "standup", ScheduledAt: t0.Add(time.Hour), Repeat: reminder.Rule{Kind: reminder.RepeatDaily},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Repeat.TZ != "Asia/Jakarta" && r.Repeat.TZ != "UTC" {
		t.Fatalf("TZ = %q", r.Repeat.TZ)
	}
}

type failingScan struct {
	storage.Store
}

func (failingScan) ListDue(context.Context, time.Time) ([]reminder.Reminder, []*reminder.RecoveryError, error) {
	return nil, nil, errors.New("database is locked")
}

func TestStartAbortsWhenScanFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	svc := New(Config{TickInterval: time.Millisecond, Housekeeping: "-"}, failingScan{h.store}, h.sender, h.clk, logx.Nop(), nil)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing store")
	}
	if svc.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", svc.State())
	}
}

func TestStopCancelsDeliveriesAfterGrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StopGrace: 20 * time.Millisecond})
	h.sender.block = make(chan struct{})
	ctx := context.Background()
	h.start(t)
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "slow", ScheduledAt: t0.Add(time.Minute)})
	h.clk.Advance(time.Minute)
	eventually(t, "send started", func() bool { return len(h.sender.all()) == 1 })

	start := time.Now()
	h.stop(t)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop took %s", took)
	}
	// The interrupted send goes back to pending for the next run.
	if st := h.status(t, r.ID); st != reminder.StatusPending {
		t.Fatalf("status = %s, want pending", st)
	}
}

func TestStopDoesNotWaitForDeafSender(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StopGrace: 20 * time.Millisecond})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.sender.block, h.sender.deaf = release, true
	ctx := context.Background()
	h.start(t)
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 5, Title: "stuck", ScheduledAt: t0.Add(time.Minute)})
	h.clk.Advance(time.Minute)
	eventually(t, "send started", func() bool { return len(h.sender.all()) == 1 })

	start := time.Now()
	h.stop(t)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop took %s", took)
	}
	got, err := h.store.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != reminder.StatusPending || got.RetryCount != 0 {
		t.Fatalf("after stop: status=%s retry_count=%d", got.Status, got.RetryCount)
	}
}

func TestHousekeeping(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{LogRetention: 24 * time.Hour, FinishedRetention: time.Hour})
	ctx := context.Background()
	r, _ := h.svc.CreateReminder(ctx, reminder.Draft{OwnerID: 1, Title: "old", ScheduledAt: t0.Add(time.Minute)})
	if ok, _ := h.svc.CancelReminder(ctx, r.ID, 1); !ok {
		t.Fatal("cancel failed")
	}
	h.clk.Advance(48 * time.Hour)
	rep := h.svc.RunHousekeeping(ctx)
	if rep.Err != "" || rep.LogsPruned != 2 || rep.RemindersGone != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.svc.Snapshot().Housekeeping.At.IsZero() {
		t.Fatal("snapshot missing housekeeping report")
	}
}

func TestValidateHousekeeping(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "-", "@daily", "0 3 * * *"} {
		if err := ValidateHousekeeping(ok); err != nil {
			t.Fatalf("ValidateHousekeeping(%q) = %v", ok, err)
		}
	}
	if err := ValidateHousekeeping("every tuesday"); err == nil {
		t.Fatal("bad spec accepted")
	}
}
