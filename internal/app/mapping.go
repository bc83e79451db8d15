package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/observability/debug"
	"remindbot/internal/storage"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/scheduler"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

const defaultDBPath = "./remindbot.db"

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultDBPath
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	d, err := sc.Durations()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:          strings.TrimSpace(sc.Timezone),
		TickInterval:      d.TickInterval,
		Workers:           sc.Workers,
		SendTimeout:       d.SendTimeout,
		StopGrace:         d.StopGrace,
		RetryMax:          sc.RetryMax,
		RetryBase:         d.RetryBase,
		RecoveryHorizon:   d.RecoveryHorizon,
		ResyncInterval:    d.ResyncInterval,
		Housekeeping:      strings.TrimSpace(sc.Housekeeping),
		LogRetention:      d.LogRetention,
		FinishedRetention: d.FinishedRetention,
	}, nil
}

func mapBreakerConfig(cfg *config.Config) (dispatch.BreakerConfig, error) {
	sc := cfg.Scheduler
	d, err := sc.Durations()
	if err != nil {
		return dispatch.BreakerConfig{}, err
	}
	return dispatch.BreakerConfig{
		Trip:       sc.CircuitTrip,
		BaseDelay:  d.CircuitBaseDelay,
		MaxDelay:   d.CircuitMaxDelay,
		ResetAfter: d.CircuitResetAfter,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:              cfg.Debug.Enabled,
		Address:              strings.TrimSpace(cfg.Debug.Address),
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	send, err := config.ParseDurationField("scheduler.send_timeout", cfg.Scheduler.SendTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		RatePerSec:     cfg.Telegram.RatePerSec,
		RequestTimeout: send,
	}, nil
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		Workers: cfg.Telegram.Workers,
		Owners:  append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		RateLimit: router.RateLimitConfig{
			UserPerMinute: cfg.Telegram.UserRatePerMin,
			UserBurst:     cfg.Telegram.UserBurst,
			GlobalPerSec:  cfg.Telegram.GlobalRatePerSec,
		},
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && lc.Telegram.ChatID != 0,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}
