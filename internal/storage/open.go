package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Store is the persistence API used by the scheduler and the command layer.
type Store interface {
	// Create validates d against the store clock, assigns an id and persists
	// it as pending.
	Create(ctx context.Context, d reminder.Draft) (reminder.Reminder, error)
	Get(ctx context.Context, id int64) (reminder.Reminder, error)
	// UpdateStatus moves id from `from` to `to` only if the stored status is
	// still `from` (and the fire time matches ch.ExpectScheduledAt when set).
	// A lost race returns false, nil.
	UpdateStatus(ctx context.Context, id int64, from, to reminder.Status, ch reminder.Changes) (bool, error)
	// ListDue returns pending reminders firing before `before`, ascending.
	// Undecodable records come back as RecoveryErrors instead of failing the scan.
	ListDue(ctx context.Context, before time.Time) ([]reminder.Reminder, []*reminder.RecoveryError, error)
	// ListPending lists an owner's pending reminders; ownerID 0 lists everyone's.
	ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error)
	Delete(ctx context.Context, id, ownerID int64) (bool, error)
	Stats(ctx context.Context, ownerID int64) (reminder.Stats, error)

	PutUser(ctx context.Context, u reminder.User) error
	GetUser(ctx context.Context, id int64) (reminder.User, error)

	AppendLog(ctx context.Context, e LogEntry) error
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
	// PurgeFinished hard-deletes sent/failed/cancelled reminders last updated before `before`.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// ErrUserNotFound is returned by GetUser for an unknown id.
var ErrUserNotFound = errors.New("user not found")

// Open initializes the configured store.
func Open(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	clk = clock.OrReal(clk)
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, clk, log)
	case "file":
		return openFile(cfg, clk, log)
	case "memory", "mem":
		return newMemStore(clk, log), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
