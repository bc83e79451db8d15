package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// CreateReminder persists d and arms it. Calendar rules without a zone get
// the service zone so their wall-clock time is stable.
func (s *Service) CreateReminder(ctx context.Context, d reminder.Draft) (reminder.Reminder, error) {
	if !d.Repeat.IsZero() && d.Repeat.Kind != reminder.RepeatCustom && d.Repeat.TZ == "" {
		d.Repeat.TZ = s.Location().String()
	}
	r, err := s.store.Create(ctx, d)
	if err != nil {
		return reminder.Reminder{}, err
	}
	s.timer.Schedule(r.ID, r.ScheduledAt)
	s.log.Info("reminder created",
		logx.Int64("reminder_id", r.ID),
		logx.Int64("owner_id", r.OwnerID),
		logx.Time("at", r.ScheduledAt),
		logx.String("repeat", r.Repeat.String()),
	)
	s.audit(ctx, r, storage.EventCreated, r.Source)
	s.bus.Publish(eventbus.Event{Type: eventbus.ReminderCreated, Data: eventbus.Delivery{ReminderID: r.ID, OwnerID: r.OwnerID, NextAt: r.ScheduledAt}})
	return r, nil
}

// CancelReminder cancels a pending reminder owned by ownerID. It returns
// false when the reminder is missing, owned by someone else, or no longer
// pending.
func (s *Service) CancelReminder(ctx context.Context, id, ownerID int64) (bool, error) {
	r, ok, err := s.owned(ctx, id, ownerID)
	if err != nil || !ok {
		return false, err
	}
	won, err := s.store.UpdateStatus(ctx, id, reminder.StatusPending, reminder.StatusCancelled, reminder.Changes{})
	if err != nil {
		return false, fmt.Errorf("cancel reminder %d: %w", id, err)
	}
	if !won {
		return false, nil
	}
	s.timer.Cancel(id)
	s.log.Info("reminder cancelled", logx.Int64("reminder_id", id), logx.Int64("owner_id", ownerID))
	s.audit(ctx, r, storage.EventCancelled, "")
	s.bus.Publish(eventbus.Event{Type: eventbus.ReminderCancelled, Data: eventbus.Delivery{ReminderID: id, OwnerID: ownerID}})
	return true, nil
}

// RescheduleReminder moves a pending reminder to at and clears its retry
// count. at must be in the future.
func (s *Service) RescheduleReminder(ctx context.Context, id, ownerID int64, at time.Time) (bool, error) {
	if !at.After(s.clk.Now()) {
		return false, &reminder.ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	r, ok, err := s.owned(ctx, id, ownerID)
	if err != nil || !ok {
		return false, err
	}
	zero := 0
	won, err := s.store.UpdateStatus(ctx, id, reminder.StatusPending, reminder.StatusPending,
		reminder.Changes{ScheduledAt: &at, RetryCount: &zero})
	if err != nil {
		return false, fmt.Errorf("reschedule reminder %d: %w", id, err)
	}
	if !won {
		return false, nil
	}
	s.timer.Schedule(id, at)
	s.log.Info("reminder rescheduled", logx.Int64("reminder_id", id), logx.Time("from", r.ScheduledAt), logx.Time("to", at))
	s.audit(ctx, r, storage.EventRescheduled, at.UTC().Format(time.RFC3339))
	s.bus.Publish(eventbus.Event{Type: eventbus.ReminderRescheduled, Data: eventbus.Delivery{ReminderID: id, OwnerID: ownerID, NextAt: at}})
	return true, nil
}

// DeleteReminder removes the reminder row whatever its status.
func (s *Service) DeleteReminder(ctx context.Context, id, ownerID int64) (bool, error) {
	ok, err := s.store.Delete(ctx, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete reminder %d: %w", id, err)
	}
	if ok {
		s.timer.Cancel(id)
		s.log.Info("reminder deleted", logx.Int64("reminder_id", id), logx.Int64("owner_id", ownerID))
		s.audit(ctx, reminder.Reminder{ID: id, OwnerID: ownerID}, storage.EventDeleted, "")
	}
	return ok, nil
}

func (s *Service) ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	return s.store.ListPending(ctx, ownerID)
}

func (s *Service) Stats(ctx context.Context, ownerID int64) (reminder.Stats, error) {
	return s.store.Stats(ctx, ownerID)
}

// Get returns the reminder if ownerID owns it.
func (s *Service) Get(ctx context.Context, id, ownerID int64) (reminder.Reminder, error) {
	r, ok, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if !ok {
		return reminder.Reminder{}, &reminder.NotFoundError{ID: id}
	}
	return r, nil
}

func (s *Service) owned(ctx context.Context, id, ownerID int64) (reminder.Reminder, bool, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	if r.OwnerID != ownerID {
		return reminder.Reminder{}, false, nil
	}
	return r, true, nil
}

func (s *Service) audit(ctx context.Context, r reminder.Reminder, event, detail string) {
	if err := s.store.AppendLog(ctx, storage.LogEntry{ReminderID: r.ID, OwnerID: r.OwnerID, Event: event, Detail: detail}); err != nil {
		s.log.Debug("append log failed", logx.Int64("reminder_id", r.ID), logx.Err(err))
	}
}
