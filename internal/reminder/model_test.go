package reminder

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusPending, true},
		{StatusPending, StatusFailed, false},
		{StatusSent, StatusPending, true},
		{StatusSent, StatusFailed, true},
		{StatusSent, StatusCancelled, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusSent, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDraftValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ok := Draft{OwnerID: 7, Title: "Pay rent", ScheduledAt: now.Add(time.Hour)}
	if err := ok.Validate(now); err != nil {
		t.Fatalf("valid draft rejected: %v", err)
	}

	tests := []struct {
		name  string
		mut   func(*Draft)
		field string
	}{
		{"missing owner", func(d *Draft) { d.OwnerID = 0 }, "owner_id"},
		{"blank title", func(d *Draft) { d.Title = "   " }, "title"},
		{"zero time", func(d *Draft) { d.ScheduledAt = time.Time{} }, "scheduled_at"},
		{"now is not future", func(d *Draft) { d.ScheduledAt = now }, "scheduled_at"},
		{"past", func(d *Draft) { d.ScheduledAt = now.Add(-time.Minute) }, "scheduled_at"},
		{"short custom", func(d *Draft) { d.Repeat = Rule{Kind: RepeatCustom, Every: time.Second} }, "repeat"},
		{"bad priority", func(d *Draft) { d.Priority = "whenever" }, "priority"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := ok
			tt.mut(&d)
			err := d.Validate(now)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestChangesApply(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := Reminder{ID: 1, Status: StatusSent, SentAt: now.Add(-time.Minute), RetryCount: 0}
	retry := 1
	next := now.Add(2 * time.Minute)
	msg := "timeout"
	Changes{RetryCount: &retry, ScheduledAt: &next, LastError: &msg}.Apply(&r, StatusPending, now)

	if r.Status != StatusPending || r.RetryCount != 1 || !r.ScheduledAt.Equal(next) || r.LastError != "timeout" {
		t.Fatalf("unexpected reminder after Apply: %+v", r)
	}
	if !r.SentAt.IsZero() {
		t.Fatalf("SentAt should be cleared on revert to pending, got %v", r.SentAt)
	}
	if !r.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v", r.UpdatedAt)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	if IsRetryable(nil) {
		t.Fatal("nil should not be retryable")
	}
	if !IsRetryable(base) {
		t.Fatal("unclassified errors should be retryable")
	}
	if IsRetryable(fmt.Errorf("send: %w", Permanent(base))) {
		t.Fatal("wrapped permanent error reported retryable")
	}
	if !IsRetryable(Retryable(base)) {
		t.Fatal("retryable error reported permanent")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("TransportError should unwrap to its cause")
	}
	if !errors.Is(&NotFoundError{ID: 3}, ErrNotFound) {
		t.Fatal("NotFoundError should match ErrNotFound")
	}
}

func TestRenderDelivery(t *testing.T) {
	t.Parallel()
	r := Reminder{
		ID:          12,
		Title:       "Pay <rent>",
		Description: "landlord & co",
		ScheduledAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Category:    "home",
		Priority:    PriorityHigh,
		Repeat:      Rule{Kind: RepeatMonthly},
	}
	got := RenderDelivery(r, time.UTC)
	for _, want := range []string{"<b>Pay &lt;rent&gt;</b>", "landlord &amp; co", "Sun 01 Jun 2025 09:00 UTC", "🏠 home", "🔴 high", "🔁 monthly", "<code>#12</code>"} {
		if !strings.Contains(got, want) {
			t.Fatalf("RenderDelivery missing %q in:\n%s", want, got)
		}
	}
}

func TestUntil(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if got := Until(now.Add(2*time.Hour), now); got != "2 hours from now" {
		t.Fatalf("Until = %q", got)
	}
	if got := Until(now.Add(-3*time.Minute), now); got != "3 minutes ago" {
		t.Fatalf("Until = %q", got)
	}
}
