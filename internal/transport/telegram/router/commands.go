package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/timeparse"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

const (
	callbackScope = "rem"
	listLimit     = 30
	titleMaxRunes = 200
)

func (r *Router) registerBuiltins() {
	r.Register(Command{Name: "start", Description: "Register and show a short intro", Handle: r.handleStart})
	r.Register(Command{Name: "help", Description: "Show commands and time formats", Handle: r.handleHelp})
	r.Register(Command{
		Name:        "remind",
		Aliases:     []string{"r", "add"},
		Description: "Set a reminder",
		Usage:       "<when> | <title> [| details] [--repeat=daily]",
		Handle:      r.handleRemind,
	})
	r.Register(Command{Name: "list", Aliases: []string{"ls"}, Description: "List pending reminders", Handle: r.handleList})
	r.Register(Command{Name: "cancel", Description: "Cancel a pending reminder", Usage: "<id>", Handle: r.handleCancel})
	r.Register(Command{Name: "reschedule", Aliases: []string{"move"}, Description: "Move a pending reminder", Usage: "<id> <when>", Handle: r.handleReschedule})
	r.Register(Command{Name: "delete", Aliases: []string{"del"}, Description: "Delete a reminder for good", Usage: "<id>", Handle: r.handleDelete})
	r.Register(Command{Name: "tz", Aliases: []string{"timezone"}, Description: "Show or set your timezone", Usage: "[Area/City]", Handle: r.handleTZ})
	r.Register(Command{Name: "stats", Description: "Your reminder statistics", Handle: r.handleStats})
	r.Register(Command{Name: "status", Description: "Scheduler internals", Access: AccessOwnerOnly, Handle: r.handleStatus})

	r.HandleCallback(callbackScope, r.handleReminderButton)
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	u, err := r.deps.Users.GetUser(ctx, req.FromID)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		u = reminder.User{ID: req.FromID, NotificationsEnabled: true}
	case err != nil:
		return err
	}
	u.Username = req.Username
	if err := r.deps.Users.PutUser(ctx, u); err != nil {
		return err
	}
	intro := tgui.Concat(
		tgui.Raw("👋 "), tgui.B("Hi! I keep your reminders."), tgui.Raw("\n\n"),
		tgui.Raw("Try "), tgui.Code("/remind in 10 minutes | Stretch"),
		tgui.Raw(" or "), tgui.Code("/remind tomorrow at 9:00 | Call the bank --repeat=weekly"),
		tgui.Raw(".\n\nYour timezone is "), tgui.Code(req.Loc.String()), tgui.Raw(", change it with /tz."),
	)
	_, err = req.ReplyHTML(ctx, intro.String()+"\n\n"+r.helpText(req.Owner), nil)
	return err
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	_, err := req.ReplyHTML(ctx, r.helpText(req.Owner), nil)
	return err
}

func (r *Router) handleRemind(ctx context.Context, req *Request) error {
	text, flags := extractFlags(req.Args)
	parts := splitPipes(text, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return req.ReplyText(ctx, "Usage: /remind <when> | <title> [| details]\nExample: /remind tomorrow at 9:00 | Call the bank")
	}
	at, err := timeparse.ParseFuture(parts[0], req.Now)
	if err != nil {
		return req.ReplyText(ctx, "⚠️ "+err.Error())
	}
	d := reminder.Draft{
		OwnerID:     req.FromID,
		Title:       tgui.TruncRunes(parts[1], titleMaxRunes),
		ScheduledAt: at,
		Source:      "telegram",
		Category:    strings.ToLower(flags["category"]),
	}
	if len(parts) == 3 {
		d.Description = parts[2]
	}
	if v := flags["priority"]; v != "" {
		p, err := reminder.ParsePriority(v)
		if err != nil {
			return req.ReplyText(ctx, "⚠️ "+err.Error())
		}
		d.Priority = p
	}
	if v := flags["repeat"]; v != "" {
		rule, err := reminder.ParseRule(v)
		if err != nil {
			return req.ReplyText(ctx, "⚠️ "+err.Error())
		}
		if !rule.IsZero() && rule.Kind != reminder.RepeatCustom {
			rule.TZ = req.Loc.String()
		}
		d.Repeat = rule
	}
	if v := flags["until"]; v != "" {
		if d.Repeat.IsZero() {
			return req.ReplyText(ctx, "⚠️ --until only makes sense together with --repeat.")
		}
		until, err := parseUntil(v, req.Now)
		if err != nil {
			return req.ReplyText(ctx, "⚠️ "+err.Error())
		}
		if until.Before(at) {
			return req.ReplyText(ctx, "⚠️ --until is before the first occurrence.")
		}
		d.Repeat.Until = until
	}

	rem, err := r.deps.Reminders.CreateReminder(ctx, d)
	if reminder.IsValidation(err) {
		return req.ReplyText(ctx, "⚠️ "+err.Error())
	}
	if err != nil {
		return err
	}
	kb := tgui.NewInline().Row(tgui.Btn("❌ Cancel", tgui.Data(callbackScope, "cancel", rem.ID)))
	_, err = req.ReplyHTML(ctx, "✅ Reminder set\n\n"+reminder.RenderLine(rem, req.Loc, req.Now), kb)
	return err
}

// parseUntil accepts a bare date (the whole day is included) or anything
// timeparse understands.
func parseUntil(raw string, ref time.Time) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "02.01.2006"} {
		if t, err := time.ParseInLocation(layout, raw, ref.Location()); err == nil {
			return t.Add(24*time.Hour - time.Second), nil
		}
	}
	return timeparse.Parse(raw, ref)
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	items, err := r.deps.Reminders.ListPending(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return req.ReplyText(ctx, "📭 No pending reminders. Add one with /remind.")
	}
	lines := make([]string, 0, min(len(items), listLimit))
	for i, it := range items {
		if i == listLimit {
			break
		}
		lines = append(lines, reminder.RenderLine(it, req.Loc, req.Now))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s (%d)\n\n", tgui.B("Pending reminders"), len(items))
	b.WriteString(strings.Join(lines, "\n\n"))
	if extra := len(items) - listLimit; extra > 0 {
		fmt.Fprintf(&b, "\n\n%s", tgui.I(fmt.Sprintf("…and %d more", extra)))
	}
	_, err = req.ReplyHTML(ctx, b.String(), nil)
	return err
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return req.ReplyText(ctx, "Usage: /cancel <id>")
	}
	done, err := r.deps.Reminders.CancelReminder(ctx, id, req.FromID)
	if err != nil {
		return err
	}
	if !done {
		return req.ReplyText(ctx, fmt.Sprintf("Reminder #%d was not found or is no longer pending.", id))
	}
	return req.ReplyText(ctx, fmt.Sprintf("❌ Reminder #%d cancelled.", id))
}

func (r *Router) handleDelete(ctx context.Context, req *Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return req.ReplyText(ctx, "Usage: /delete <id>")
	}
	done, err := r.deps.Reminders.DeleteReminder(ctx, id, req.FromID)
	if err != nil {
		return err
	}
	if !done {
		return req.ReplyText(ctx, fmt.Sprintf("Reminder #%d was not found.", id))
	}
	return req.ReplyText(ctx, fmt.Sprintf("🗑 Reminder #%d deleted.", id))
}

func (r *Router) handleReschedule(ctx context.Context, req *Request) error {
	idRaw, when, _ := strings.Cut(strings.TrimSpace(req.Args), " ")
	id, ok := parseID(idRaw)
	if !ok || strings.TrimSpace(when) == "" {
		return req.ReplyText(ctx, "Usage: /reschedule <id> <when>\nExample: /reschedule 12 in 2 hours")
	}
	at, err := timeparse.ParseFuture(when, req.Now)
	if err != nil {
		return req.ReplyText(ctx, "⚠️ "+err.Error())
	}
	done, err := r.deps.Reminders.RescheduleReminder(ctx, id, req.FromID, at)
	if reminder.IsValidation(err) {
		return req.ReplyText(ctx, "⚠️ "+err.Error())
	}
	if err != nil {
		return err
	}
	if !done {
		return req.ReplyText(ctx, fmt.Sprintf("Reminder #%d was not found or is no longer pending.", id))
	}
	rem, err := r.deps.Reminders.Get(ctx, id, req.FromID)
	if err != nil {
		return req.ReplyText(ctx, fmt.Sprintf("⏰ Reminder #%d moved to %s.", id, at.Format("2006-01-02 15:04")))
	}
	_, err = req.ReplyHTML(ctx, "⏰ Rescheduled\n\n"+reminder.RenderLine(rem, req.Loc, req.Now), nil)
	return err
}

func (r *Router) handleTZ(ctx context.Context, req *Request) error {
	name := strings.TrimSpace(req.Args)
	if name == "" {
		return req.ReplyText(ctx, fmt.Sprintf("Your timezone is %s (local time %s).\nSet it with /tz Europe/Berlin",
			req.Loc, req.Now.Format("15:04")))
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return req.ReplyText(ctx, "⚠️ Unknown timezone "+strconv.Quote(name)+". Use an IANA name such as Europe/Berlin.")
	}
	u, err := r.deps.Users.GetUser(ctx, req.FromID)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		u = reminder.User{ID: req.FromID, Username: req.Username, NotificationsEnabled: true}
	case err != nil:
		return err
	}
	u.Timezone = loc.String()
	if err := r.deps.Users.PutUser(ctx, u); err != nil {
		return err
	}
	return req.ReplyText(ctx, fmt.Sprintf("🌍 Timezone set to %s (local time %s).", loc, req.Now.In(loc).Format("15:04")))
}

func (r *Router) handleStats(ctx context.Context, req *Request) error {
	st, err := r.deps.Reminders.Stats(ctx, req.FromID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s\n\n", tgui.B("Your reminders"))
	fmt.Fprintf(&b, "⏳ Pending: %d\n", st.Pending)
	fmt.Fprintf(&b, "✅ Sent: %d\n", st.Sent)
	fmt.Fprintf(&b, "❌ Cancelled: %d\n", st.Cancelled)
	fmt.Fprintf(&b, "⚠️ Failed: %d\n", st.Failed)
	fmt.Fprintf(&b, "🔁 Recurring: %d\n", st.Recurring)
	fmt.Fprintf(&b, "\nTotal: %d", st.Total())
	_, err = req.ReplyHTML(ctx, b.String(), nil)
	return err
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	if r.deps.Status == nil {
		return req.ReplyText(ctx, "Scheduler status is not available.")
	}
	s := r.deps.Status.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "state      %s\n", s.State)
	fmt.Fprintf(&b, "timezone   %s\n", s.Timezone)
	fmt.Fprintf(&b, "workers    %d (queue %d)\n", s.Workers, s.QueueLen)
	fmt.Fprintf(&b, "armed      %s\n", humanize.Comma(int64(s.Armed)))
	if !s.NextFire.IsZero() {
		fmt.Fprintf(&b, "next fire  %s (%s)\n", s.NextFire.In(req.Loc).Format("2006-01-02 15:04:05"), reminder.Until(s.NextFire, req.Now))
	}
	fmt.Fprintf(&b, "delivered  %s\n", humanize.Comma(int64(s.Dispatch.Delivered)))
	fmt.Fprintf(&b, "retried    %s\n", humanize.Comma(int64(s.Dispatch.Retried)))
	fmt.Fprintf(&b, "failed     %s\n", humanize.Comma(int64(s.Dispatch.Failed)))
	fmt.Fprintf(&b, "successors %s\n", humanize.Comma(int64(s.Dispatch.Successor)))
	fmt.Fprintf(&b, "in flight  %d\n", s.Dispatch.InFlight)
	if !s.Recovery.At.IsZero() {
		fmt.Fprintf(&b, "recovery   %d armed, %d caught up, %d skipped (%s)\n",
			s.Recovery.Scheduled, s.Recovery.CaughtUp, s.Recovery.Skipped, humanize.Time(s.Recovery.At))
	}
	if !s.Housekeeping.At.IsZero() {
		fmt.Fprintf(&b, "cleanup    %d logs, %d reminders (%s)\n",
			s.Housekeeping.LogsPruned, s.Housekeeping.RemindersGone, humanize.Time(s.Housekeeping.At))
	}
	for _, g := range s.Goroutines.Goroutines {
		fmt.Fprintf(&b, "goroutine  %s active=%d restarts=%d\n", g.Name, g.Active, g.Restarts)
	}
	_, err := req.ReplyHTML(ctx, tgui.B("Scheduler").String()+"\n"+tgui.Pre(b.String()).String(), nil)
	return err
}

func (r *Router) handleReminderButton(ctx context.Context, req *Request, action string, id int64) error {
	cb := req.Update.Callback
	switch action {
	case "cancel":
		done, err := r.deps.Reminders.CancelReminder(ctx, id, req.FromID)
		if err != nil {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "Something went wrong.")
			return err
		}
		if !done {
			return r.adapter.AnswerCallback(ctx, cb.ID, "Already sent or cancelled.")
		}
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := r.adapter.EditText(ctx, ref, fmt.Sprintf("❌ Reminder #%d cancelled.", id), nil); err != nil {
			req.Logger.Debug("edit after cancel failed", logx.Err(err))
		}
		return r.adapter.AnswerCallback(ctx, cb.ID, "Cancelled")
	default:
		return r.adapter.AnswerCallback(ctx, cb.ID, "Unknown action.")
	}
}
