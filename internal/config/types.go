package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may see scheduler internals in /stats.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outgoing messages across all chats (default 25).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Workers handle incoming commands (default 4).
	Workers int `json:"workers,omitempty"`

	// Inbound throttling. UserRatePerMin < 0 turns it off.
	UserRatePerMin   int `json:"user_rate_per_min,omitempty"`
	UserBurst        int `json:"user_burst,omitempty"`
	GlobalRatePerSec int `json:"global_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig tunes delivery. Durations are Go duration strings; empty
// or zero values fall back to the scheduler defaults.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	TickInterval    string `json:"tick_interval,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	StopGrace       string `json:"stop_grace,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RecoveryHorizon string `json:"recovery_horizon,omitempty"`
	ResyncInterval  string `json:"resync_interval,omitempty"`

	// Housekeeping is a cron spec ("@daily", "0 3 * * *") or "-" to disable.
	Housekeeping      string `json:"housekeeping,omitempty"`
	LogRetention      string `json:"log_retention,omitempty"`
	FinishedRetention string `json:"finished_retention,omitempty"`

	// Circuit* tune the delivery breaker. CircuitTrip < 0 disables it.
	CircuitTrip       int    `json:"circuit_trip,omitempty"`
	CircuitBaseDelay  string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay   string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig selects the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MCPConfig gates the `mcp` command. Tools act for DefaultOwner when a
// call names no owner; 0 means the first telegram owner.
type MCPConfig struct {
	Enabled      bool  `json:"enabled"`
	DefaultOwner int64 `json:"default_owner,omitempty"`
}

// DebugConfig controls the local debug listener (pprof plus a scheduler
// snapshot). Keep it on loopback.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

// MCPOwner resolves the owner MCP tools act for.
func (c *Config) MCPOwner() int64 {
	if c.MCP.DefaultOwner != 0 {
		return c.MCP.DefaultOwner
	}
	if len(c.Telegram.OwnerUserIDs) > 0 {
		return c.Telegram.OwnerUserIDs[0]
	}
	return 0
}

// Durations holds the parsed duration fields of SchedulerConfig.
type Durations struct {
	TickInterval      time.Duration
	SendTimeout       time.Duration
	StopGrace         time.Duration
	RetryBase         time.Duration
	RecoveryHorizon   time.Duration
	ResyncInterval    time.Duration
	LogRetention      time.Duration
	FinishedRetention time.Duration
	CircuitBaseDelay  time.Duration
	CircuitMaxDelay   time.Duration
	CircuitResetAfter time.Duration
}

func (c SchedulerConfig) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.tick_interval", c.TickInterval, &d.TickInterval},
		{"scheduler.send_timeout", c.SendTimeout, &d.SendTimeout},
		{"scheduler.stop_grace", c.StopGrace, &d.StopGrace},
		{"scheduler.retry_base", c.RetryBase, &d.RetryBase},
		{"scheduler.recovery_horizon", c.RecoveryHorizon, &d.RecoveryHorizon},
		{"scheduler.resync_interval", c.ResyncInterval, &d.ResyncInterval},
		{"scheduler.log_retention", c.LogRetention, &d.LogRetention},
		{"scheduler.finished_retention", c.FinishedRetention, &d.FinishedRetention},
		{"scheduler.circuit_base_delay", c.CircuitBaseDelay, &d.CircuitBaseDelay},
		{"scheduler.circuit_max_delay", c.CircuitMaxDelay, &d.CircuitMaxDelay},
		{"scheduler.circuit_reset_after", c.CircuitResetAfter, &d.CircuitResetAfter},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationField(f.path, f.raw); err != nil {
			return Durations{}, err
		}
	}
	return d, nil
}

// Validate checks field syntax. Checks that need other packages (cron
// specs) run in the app's validator.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if c.Telegram.RatePerSec < 0 || c.Telegram.Workers < 0 {
		return fmt.Errorf("telegram: rate_per_sec and workers must be >= 0")
	}
	if c.Telegram.UserBurst < 0 || c.Telegram.GlobalRatePerSec < 0 {
		return fmt.Errorf("telegram: user_burst and global_rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler: workers and retry_max must be >= 0")
	}
	if _, err := c.Scheduler.Durations(); err != nil {
		return err
	}
	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Address) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Debug.Address)); err != nil {
			return fmt.Errorf("debug.address: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}

func (c *Config) IsOwner(userID int64) bool {
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
