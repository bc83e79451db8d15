// Package reminder defines the reminder record, its state machine, recurrence
// rules, and the error taxonomy shared by the store and the scheduler.
package reminder

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusSent
}

// CanTransition reports whether from -> to is a legal edge.
//
// sent -> pending is the retry revert: a delivery that won the CAS but whose
// send failed goes back to pending before it is re-armed. It is the only edge
// out of sent and only the dispatcher takes it.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusSent || to == StatusCancelled
	case StatusSent:
		return to == StatusPending || to == StatusFailed
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "medium":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high", "urgent":
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Reminder is one persisted scheduled note.
type Reminder struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	Repeat      Rule      `json:"repeat"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	SentAt    time.Time `json:"sent_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Category  string    `json:"category,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`
	Source    string    `json:"source,omitempty"`

	// Recurring chains share SeriesID (the first reminder's id) and compute
	// every occurrence from AnchorAt.
	SeriesID int64     `json:"series_id,omitempty"`
	AnchorAt time.Time `json:"anchor_at,omitempty"`
	Sequence int       `json:"sequence,omitempty"`
}

// Series returns the chain id: SeriesID, or the reminder's own id for the head.
func (r Reminder) Series() int64 {
	if r.SeriesID != 0 {
		return r.SeriesID
	}
	return r.ID
}

// Anchor returns the time recurrence is computed from.
func (r Reminder) Anchor() time.Time {
	if !r.AnchorAt.IsZero() {
		return r.AnchorAt
	}
	return r.ScheduledAt
}

// Draft is the input to Store.Create.
type Draft struct {
	OwnerID     int64
	Title       string
	Description string
	ScheduledAt time.Time
	Repeat      Rule

	Category string
	Priority Priority
	Source   string

	SeriesID int64
	AnchorAt time.Time
	Sequence int
}

// Validate checks the fields a store needs before it assigns an id.
// now is the store's current time; ScheduledAt must be strictly after it.
func (d Draft) Validate(now time.Time) error {
	if d.OwnerID == 0 {
		return &ValidationError{Field: "owner_id", Reason: "required"}
	}
	if strings.TrimSpace(d.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if d.ScheduledAt.IsZero() {
		return &ValidationError{Field: "scheduled_at", Reason: "required"}
	}
	if !d.ScheduledAt.After(now) {
		return &ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	if err := d.Repeat.Validate(); err != nil {
		return err
	}
	if d.Priority != "" {
		if _, err := ParsePriority(string(d.Priority)); err != nil {
			return &ValidationError{Field: "priority", Reason: err.Error()}
		}
	}
	return nil
}

// Changes carries the extra fields written by UpdateStatus.
// Nil pointers leave the column untouched.
type Changes struct {
	SentAt      *time.Time
	ScheduledAt *time.Time
	RetryCount  *int
	LastError   *string

	// ExpectScheduledAt, when non-zero, makes the CAS also require the stored
	// fire time to match. It keeps a delivery from winning against a
	// reschedule that landed between load and update.
	ExpectScheduledAt time.Time
}

// Apply writes ch onto r for a status move to `to`. Stores call it after the
// CAS has matched.
func (ch Changes) Apply(r *Reminder, to Status, now time.Time) {
	r.Status = to
	r.UpdatedAt = now
	if ch.SentAt != nil {
		r.SentAt = *ch.SentAt
	}
	if to == StatusPending {
		r.SentAt = time.Time{}
	}
	if ch.ScheduledAt != nil {
		r.ScheduledAt = *ch.ScheduledAt
	}
	if ch.RetryCount != nil {
		r.RetryCount = *ch.RetryCount
	}
	if ch.LastError != nil {
		r.LastError = *ch.LastError
	}
}

// Stats counts one owner's reminders per status.
type Stats struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Recurring int `json:"recurring"`
}

func (s Stats) Total() int { return s.Pending + s.Sent + s.Failed + s.Cancelled }

func (s *Stats) Add(st Status) { s.AddN(st, 1) }

func (s *Stats) AddN(st Status, n int) {
	switch st {
	case StatusPending:
		s.Pending += n
	case StatusSent:
		s.Sent += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// User holds per-user preferences.
type User struct {
	ID                   int64     `json:"id"`
	Username             string    `json:"username,omitempty"`
	Timezone             string    `json:"timezone,omitempty"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Location resolves the user's timezone, falling back to def.
func (u User) Location(def *time.Location) *time.Location {
	if def == nil {
		def = time.UTC
	}
	tz := strings.TrimSpace(u.Timezone)
	if tz == "" {
		return def
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return def
	}
	return loc
}
