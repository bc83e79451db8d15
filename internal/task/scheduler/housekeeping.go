package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

func (s *Service) startHousekeeping(cfg Config, loc *time.Location) *cron.Cron {
	if cfg.Housekeeping == "-" {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	_, err := c.AddFunc(cfg.Housekeeping, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = s.RunHousekeeping(ctx)
	})
	if err != nil {
		s.log.Error("housekeeping schedule invalid", logx.String("spec", cfg.Housekeeping), logx.Err(err))
		return nil
	}
	c.Start()
	return c
}

// RunHousekeeping prunes old log rows and, when configured, finished
// reminders.
func (s *Service) RunHousekeeping(ctx context.Context) HousekeepingReport {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.clk.Now()
	rep := HousekeepingReport{At: now}
	n, err := s.store.PruneLogs(ctx, now.Add(-cfg.LogRetention))
	rep.LogsPruned = n
	if err == nil && cfg.FinishedRetention > 0 {
		rep.RemindersGone, err = s.store.PurgeFinished(ctx, now.Add(-cfg.FinishedRetention))
	}
	if err != nil {
		rep.Err = err.Error()
		s.log.Warn("housekeeping failed", logx.Err(err))
	} else {
		s.log.Info("housekeeping done", logx.Int64("logs_pruned", rep.LogsPruned), logx.Int64("reminders_purged", rep.RemindersGone))
	}

	s.mu.Lock()
	s.lastHK = rep
	s.mu.Unlock()
	return rep
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateHousekeeping reports whether spec parses as a housekeeping schedule.
func ValidateHousekeeping(spec string) error {
	if spec == "" || spec == "-" {
		return nil
	}
	_, err := cronParser.Parse(spec)
	return err
}
