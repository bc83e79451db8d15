// Package dispatch delivers one due reminder: it claims the reminder with a
// compare-and-set, sends it, then records the outcome (retry, failure, or
// the next occurrence of a recurring series).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Sender delivers rendered text to a user. Errors should be classified with
// reminder.Retryable / reminder.Permanent; unclassified errors are retried.
type Sender interface {
	Send(ctx context.Context, ownerID int64, text string) error
}

// Arm is the part of the timer engine the dispatcher re-arms retries and
// successors with.
type Arm interface {
	Schedule(id int64, fireAt time.Time)
	Cancel(id int64) bool
}

type Config struct {
	MaxRetries  int
	RetryBase   time.Duration
	SendTimeout time.Duration
	// Location renders times for users without a stored timezone.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	// OutcomeInterrupted is a send cut short by shutdown. The reminder goes
	// back to pending without spending a retry.
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeBusy    Outcome = "busy"
)

type Snapshot struct {
	Delivered uint64 `json:"delivered"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	Successor uint64 `json:"successors"`
	InFlight  int    `json:"in_flight"`
}

type Dispatcher struct {
	store  storage.Store
	arm    Arm
	sender Sender
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu  sync.Mutex
	cfg Config

	fmu      sync.Mutex
	inflight map[int64]struct{}

	delivered, retried, failed, skipped, successors atomic.Uint64
}

func New(cfg Config, st storage.Store, arm Arm, sender Sender, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:    st,
		arm:      arm,
		sender:   sender,
		clk:      clock.OrReal(clk),
		log:      log,
		bus:      eventbus.OrNop(bus),
		cfg:      cfg.withDefaults(),
		inflight: map[int64]struct{}{},
	}
}

// Apply swaps retry and timeout settings; deliveries already running keep
// the old values.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.fmu.Lock()
	n := len(d.inflight)
	d.fmu.Unlock()
	return Snapshot{
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
		Successor: d.successors.Load(),
		InFlight:  n,
	}
}

func (d *Dispatcher) acquire(id int64) bool {
	d.fmu.Lock()
	defer d.fmu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id int64) {
	d.fmu.Lock()
	delete(d.inflight, id)
	d.fmu.Unlock()
}

// Deliver attempts reminder id. Only store failures are returned as errors;
// every other outcome is reported through the Outcome.
func (d *Dispatcher) Deliver(ctx context.Context, id int64) (Outcome, error) {
	if !d.acquire(id) {
		return OutcomeBusy, nil
	}
	defer d.release(id)

	cfg := d.config()
	now := d.clk.Now()
	log := d.log.With(logx.Int64("reminder_id", id))

	r, err := d.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		return d.skip(log, id, 0, "not found"), nil
	}
	if err != nil {
		return "", fmt.Errorf("load reminder %d: %w", id, err)
	}
	if r.Status != reminder.StatusPending {
		return d.skip(log, id, r.OwnerID, "status "+string(r.Status)), nil
	}
	if r.ScheduledAt.After(now) {
		// Rescheduled after the timer popped. A resync may have replaced the
		// entry the reschedule armed, so arm the stored time again.
		d.arm.Schedule(id, r.ScheduledAt)
		return d.skip(log, id, r.OwnerID, "rescheduled"), nil
	}

	sentAt := now
	won, err := d.store.UpdateStatus(ctx, id, reminder.StatusPending, reminder.StatusSent,
		reminder.Changes{SentAt: &sentAt, ExpectScheduledAt: r.ScheduledAt})
	if err != nil {
		return "", fmt.Errorf("claim reminder %d: %w", id, err)
	}
	if !won {
		return d.skip(log, id, r.OwnerID, "lost claim"), nil
	}

	attempt := uuid.NewString()
	log = log.With(logx.Int64("owner_id", r.OwnerID), logx.String("attempt_id", attempt))
	text := d.render(ctx, r, cfg)

	sendErr := d.send(ctx, cfg, r.OwnerID, text)

	// Bookkeeping must land even when ctx was cancelled mid-send (shutdown),
	// or the reminder would be stranded in sent.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if sendErr == nil {
		d.delivered.Add(1)
		log.Info("reminder delivered", logx.Duration("late", now.Sub(r.ScheduledAt)))
		d.record(bctx, r, storage.EventSent, attempt, "")
		d.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Time: now, Data: eventbus.Delivery{
			ReminderID: r.ID, OwnerID: r.OwnerID, AttemptID: attempt, Attempt: r.RetryCount + 1,
		}})
		if !r.Repeat.IsZero() {
			d.successor(bctx, log, r, now)
		}
		return OutcomeSent, nil
	}

	retry := r.RetryCount + 1
	msg := truncate(sendErr.Error(), 500)
	if ctx.Err() != nil && reminder.IsRetryable(sendErr) {
		return d.interrupted(bctx, log, r, msg)
	}
	if reminder.IsRetryable(sendErr) && retry < cfg.MaxRetries {
		next := now.Add(backoff(cfg.RetryBase, retry))
		ok, err := d.store.UpdateStatus(bctx, id, reminder.StatusSent, reminder.StatusPending,
			reminder.Changes{RetryCount: &retry, ScheduledAt: &next, LastError: &msg})
		if err != nil {
			return "", fmt.Errorf("revert reminder %d: %w", id, err)
		}
		if ok {
			d.rearm(bctx, id, next)
		}
		d.retried.Add(1)
		log.Warn("delivery failed, will retry", logx.Int("retry", retry), logx.Time("next_at", next), logx.Err(sendErr))
		d.record(bctx, r, storage.EventRetry, attempt, msg)
		d.bus.Publish(eventbus.Event{Type: eventbus.ReminderRetry, Time: now, Data: eventbus.Delivery{
			ReminderID: r.ID, OwnerID: r.OwnerID, AttemptID: attempt, Attempt: retry, NextAt: next, Err: msg,
		}})
		return OutcomeRetry, nil
	}

	if _, err := d.store.UpdateStatus(bctx, id, reminder.StatusSent, reminder.StatusFailed,
		reminder.Changes{RetryCount: &retry, LastError: &msg}); err != nil {
		return "", fmt.Errorf("fail reminder %d: %w", id, err)
	}
	d.failed.Add(1)
	log.Error("delivery failed permanently", logx.Int("attempts", retry), logx.Bool("retryable", reminder.IsRetryable(sendErr)), logx.Err(sendErr))
	d.record(bctx, r, storage.EventFailed, attempt, msg)
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Time: now, Data: eventbus.Delivery{
		ReminderID: r.ID, OwnerID: r.OwnerID, AttemptID: attempt, Attempt: retry, Err: msg,
	}})
	return OutcomeFailed, nil
}

// interrupted puts a reminder whose send was cut short by shutdown back to
// pending at its original time. The retry count is left alone; recovery
// picks it up as overdue on the next start.
func (d *Dispatcher) interrupted(ctx context.Context, log logx.Logger, r reminder.Reminder, msg string) (Outcome, error) {
	ok, err := d.store.UpdateStatus(ctx, r.ID, reminder.StatusSent, reminder.StatusPending,
		reminder.Changes{LastError: &msg})
	if err != nil {
		return "", fmt.Errorf("revert reminder %d: %w", r.ID, err)
	}
	if ok {
		d.rearm(ctx, r.ID, r.ScheduledAt)
	}
	log.Warn("delivery interrupted by shutdown", logx.Int("retry_count", r.RetryCount), logx.String("error", msg))
	return OutcomeInterrupted, nil
}

// rearm schedules id at fireAt, then reconciles with the store. A cancel or
// reschedule that landed between the revert and the Schedule call would
// otherwise be overwritten by this entry.
func (d *Dispatcher) rearm(ctx context.Context, id int64, fireAt time.Time) {
	d.arm.Schedule(id, fireAt)
	r, err := d.store.Get(ctx, id)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		d.arm.Cancel(id)
	case err != nil:
		// Keep the entry; a stale fire is skipped by the status check.
	case r.Status != reminder.StatusPending:
		d.arm.Cancel(id)
	case !r.ScheduledAt.Equal(fireAt):
		d.arm.Schedule(id, r.ScheduledAt)
	}
}

func (d *Dispatcher) skip(log logx.Logger, id, owner int64, reason string) Outcome {
	d.skipped.Add(1)
	log.Debug("delivery skipped", logx.String("reason", reason))
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderSkipped, Data: eventbus.Delivery{ReminderID: id, OwnerID: owner, Err: reason}})
	return OutcomeSkipped
}

// send runs the Sender under the send timeout. The deadline holds even for a
// Sender that ignores ctx: the call is abandoned and reported as retryable.
// A panic counts as a retryable failure.
func (d *Dispatcher) send(ctx context.Context, cfg Config, owner int64, text string) error {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.log.Error("sender panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				done <- reminder.Retryable(fmt.Errorf("panic: %v", p))
			}
		}()
		done <- d.sender.Send(sctx, owner, text)
	}()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return reminder.Retryable(fmt.Errorf("send abandoned: %w", sctx.Err()))
	}
}

func (d *Dispatcher) render(ctx context.Context, r reminder.Reminder, cfg Config) string {
	loc := cfg.Location
	if u, err := d.store.GetUser(ctx, r.OwnerID); err == nil {
		loc = u.Location(loc)
	}
	return reminder.RenderDelivery(r, loc)
}

// successor creates the next occurrence of a recurring reminder. The time is
// derived from the series anchor so it never drifts with delivery latency.
func (d *Dispatcher) successor(ctx context.Context, log logx.Logger, r reminder.Reminder, now time.Time) {
	at, seq, ok := r.Repeat.Next(r.Anchor(), r.Sequence, now)
	if !ok {
		log.Info("recurring series finished", logx.Int64("series_id", r.Series()))
		return
	}
	next, err := d.store.Create(ctx, reminder.Draft{
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		ScheduledAt: at,
		Repeat:      r.Repeat,
		Category:    r.Category,
		Priority:    r.Priority,
		Source:      r.Source,
		SeriesID:    r.Series(),
		AnchorAt:    r.Anchor(),
		Sequence:    seq,
	})
	if err != nil {
		log.Error("create next occurrence failed", logx.Time("at", at), logx.Err(err))
		return
	}
	d.arm.Schedule(next.ID, next.ScheduledAt)
	d.successors.Add(1)
	log.Info("next occurrence scheduled", logx.Int64("next_id", next.ID), logx.Time("at", next.ScheduledAt), logx.Int("sequence", seq))
	d.record(ctx, next, storage.EventCreated, "", "occurrence of #"+fmt.Sprint(r.Series()))
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderCreated, Time: now, Data: eventbus.Delivery{
		ReminderID: next.ID, OwnerID: next.OwnerID, NextAt: next.ScheduledAt,
	}})
}

func (d *Dispatcher) record(ctx context.Context, r reminder.Reminder, event, attempt, detail string) {
	err := d.store.AppendLog(ctx, storage.LogEntry{
		At:         d.clk.Now(),
		ReminderID: r.ID,
		OwnerID:    r.OwnerID,
		Event:      event,
		AttemptID:  attempt,
		Detail:     detail,
	})
	if err != nil {
		d.log.Debug("append log failed", logx.Int64("reminder_id", r.ID), logx.Err(err))
	}
}

// backoff is base * 2^retry: 2m, 4m, ... for the default base.
func backoff(base time.Duration, retry int) time.Duration {
	if retry > 20 {
		retry = 20
	}
	return base * time.Duration(1<<uint(retry))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
