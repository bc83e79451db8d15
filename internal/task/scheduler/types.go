package scheduler

import (
	"errors"
	"time"

	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/recovery"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopping       = errors.New("scheduler stopping")
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	Timezone        string // IANA zone for calendar rules and cron, default UTC
	TickInterval    time.Duration
	Workers         int
	SendTimeout     time.Duration
	StopGrace       time.Duration
	RetryMax        int
	RetryBase       time.Duration
	RecoveryHorizon time.Duration
	ResyncInterval  time.Duration // 0 disables periodic resync

	Housekeeping      string        // cron spec, default "@daily"; "-" disables
	LogRetention      time.Duration // default 30 days
	FinishedRetention time.Duration // 0 keeps finished reminders
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	if c.RecoveryHorizon <= 0 {
		c.RecoveryHorizon = recovery.DefaultHorizon
	}
	if c.Housekeeping == "" {
		c.Housekeeping = "@daily"
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	return c
}

type Snapshot struct {
	State        State               `json:"state"`
	Timezone     string              `json:"timezone"`
	Workers      int                 `json:"workers"`
	Armed        int                 `json:"armed"`
	NextFire     time.Time           `json:"next_fire,omitempty"`
	QueueLen     int                 `json:"queue_len"`
	Dispatch     dispatch.Snapshot   `json:"dispatch"`
	Recovery     recovery.Report     `json:"recovery"`
	Housekeeping HousekeepingReport  `json:"housekeeping"`
	Goroutines   supervisor.Snapshot `json:"goroutines"`
}

// HousekeepingReport describes the last cleanup pass.
type HousekeepingReport struct {
	At            time.Time `json:"at,omitempty"`
	LogsPruned    int64     `json:"logs_pruned"`
	RemindersGone int64     `json:"reminders_purged"`
	Err           string    `json:"err,omitempty"`
}
