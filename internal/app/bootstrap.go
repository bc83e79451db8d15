package app

import (
	"context"
	"fmt"

	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// LoadConfig reads path and installs the validator used on every hot
// reload, so a bad edit never replaces a running config.
func LoadConfig(path string) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := scheduler.ValidateHousekeeping(cfg.Scheduler.Housekeeping); err != nil {
		return fmt.Errorf("scheduler.housekeeping: %w", err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	return nil
}

func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, clock.Real{}, log)
}

// NewBreaker guards sender with the delivery circuit breaker.
func NewBreaker(cfg *config.Config, sender dispatch.Sender, log logx.Logger) (*dispatch.Breaker, error) {
	bc, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return dispatch.NewBreaker(sender, bc, clock.Real{}, log.With(logx.String("comp", "breaker"))), nil
}

// NewScheduler builds the reminder service over st without starting it.
func NewScheduler(cfg *config.Config, st storage.Store, sender dispatch.Sender, log logx.Logger, bus eventbus.Bus) (*scheduler.Service, error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return scheduler.New(sc, st, sender, clock.Real{}, log.With(logx.String("comp", "scheduler")), bus), nil
}
