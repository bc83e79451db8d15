package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a driver.
//
// Driver values: "sqlite" (default when empty), "file", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Log events written by the dispatcher and the command layer.
const (
	EventCreated     = "created"
	EventSent        = "sent"
	EventRetry       = "retry"
	EventFailed      = "failed"
	EventCancelled   = "cancelled"
	EventRescheduled = "rescheduled"
	EventDeleted     = "deleted"
)

// LogEntry is one row of the delivery/audit log.
type LogEntry struct {
	At         time.Time `json:"at"`
	ReminderID int64     `json:"reminder_id"`
	OwnerID    int64     `json:"owner_id"`
	Event      string    `json:"event"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}
