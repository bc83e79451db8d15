// Package recovery rebuilds the timer index from the store.
package recovery

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// DefaultHorizon bounds how far ahead the scan arms timers.
const DefaultHorizon = 365 * 24 * time.Hour

// Arm is the timer engine surface the loader needs.
type Arm interface {
	Schedule(id int64, fireAt time.Time)
}

// Submit hands an overdue id to the delivery workers. It may block.
type Submit func(ctx context.Context, id int64) error

type Report struct {
	Scheduled int           `json:"scheduled"`
	CaughtUp  int           `json:"caught_up"`
	Skipped   int           `json:"skipped"`
	Took      time.Duration `json:"took"`
	At        time.Time     `json:"at"`
}

type Loader struct {
	store   storage.Store
	arm     Arm
	clk     clock.Clock
	log     logx.Logger
	horizon time.Duration
}

func New(st storage.Store, arm Arm, clk clock.Clock, log logx.Logger, horizon time.Duration) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Loader{store: st, arm: arm, clk: clock.OrReal(clk), log: log, horizon: horizon}
}

// Run arms every pending reminder inside the horizon and submits the
// overdue ones. Running it again is harmless: Schedule upserts and the
// dispatcher's claim lets only one catch-up through.
//
// Only a failed scan is returned; unreadable records are logged and counted.
func (l *Loader) Run(ctx context.Context, submit Submit) (Report, error) {
	start := time.Now()
	now := l.clk.Now()
	rep := Report{At: now}

	due, bad, err := l.store.ListDue(ctx, now.Add(l.horizon))
	if err != nil {
		return rep, fmt.Errorf("recovery scan: %w", err)
	}
	for _, e := range bad {
		rep.Skipped++
		l.log.Warn("skipping unreadable reminder", logx.Int64("reminder_id", e.ID), logx.Err(e.Err))
	}

	for _, r := range due {
		if r.ScheduledAt.After(now) {
			l.arm.Schedule(r.ID, r.ScheduledAt)
			rep.Scheduled++
			continue
		}
		if submit == nil {
			// Nothing to deliver with: let the first tick pick it up.
			l.arm.Schedule(r.ID, r.ScheduledAt)
			rep.CaughtUp++
			continue
		}
		if err := submit(ctx, r.ID); err != nil {
			return rep, fmt.Errorf("catch-up %d: %w", r.ID, err)
		}
		rep.CaughtUp++
		l.log.Info("catching up overdue reminder", logx.Int64("reminder_id", r.ID), logx.Duration("overdue", now.Sub(r.ScheduledAt)))
	}

	rep.Took = time.Since(start)
	l.log.Info("recovery finished",
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("caught_up", rep.CaughtUp),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}
