package reminder

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"remindbot/pkg/tgui"
)

const displayTimeLayout = "Mon 02 Jan 2006 15:04 MST"

var categoryIcons = map[string]string{
	"work":      "💼",
	"health":    "🏥",
	"shopping":  "🛒",
	"family":    "👨‍👩‍👧‍👦",
	"personal":  "🎯",
	"education": "📚",
	"home":      "🏠",
	"transport": "🚗",
}

var priorityIcons = map[Priority]string{
	PriorityHigh:   "🔴",
	PriorityNormal: "🟡",
	PriorityLow:    "🟢",
}

func CategoryIcon(category string) string {
	if icon, ok := categoryIcons[strings.ToLower(strings.TrimSpace(category))]; ok {
		return icon
	}
	return "📁"
}

// RenderDelivery builds the Telegram HTML text sent when r fires.
func RenderDelivery(r Reminder, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	parts := []tgui.H{
		tgui.Raw("🔔 " + tgui.B("Reminder").String()),
		tgui.Raw("📝 " + tgui.B(r.Title).String()),
	}
	if d := strings.TrimSpace(r.Description); d != "" {
		parts = append(parts, tgui.Esc(d))
	}
	parts = append(parts, tgui.Raw("⏰ "+tgui.Esc(r.ScheduledAt.In(loc).Format(displayTimeLayout)).String()))
	if meta := metaLine(r); meta != "" {
		parts = append(parts, tgui.Raw(meta))
	}
	parts = append(parts, tgui.Code("#"+strconv.FormatInt(r.ID, 10)))
	return tgui.JoinH("\n\n", parts...).String()
}

// RenderLine is the one-line form used by list views.
func RenderLine(r Reminder, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString(tgui.Code("#" + strconv.FormatInt(r.ID, 10)).String())
	b.WriteString(" ")
	b.WriteString(tgui.B(r.Title).String())
	b.WriteString("\n   ⏰ ")
	b.WriteString(tgui.Esc(r.ScheduledAt.In(loc).Format(displayTimeLayout)).String())
	b.WriteString(" (")
	b.WriteString(tgui.Esc(Until(r.ScheduledAt, now)).String())
	b.WriteString(")")
	if !r.Repeat.IsZero() {
		b.WriteString(" 🔁 ")
		b.WriteString(tgui.Esc(r.Repeat.String()).String())
	}
	return b.String()
}

// Until renders the distance from now to t ("in 2 hours", "3 minutes ago").
func Until(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func metaLine(r Reminder) string {
	var bits []string
	if c := strings.TrimSpace(r.Category); c != "" {
		bits = append(bits, CategoryIcon(c)+" "+tgui.Esc(c).String())
	}
	if r.Priority != "" && r.Priority != PriorityNormal {
		bits = append(bits, priorityIcons[r.Priority]+" "+tgui.Esc(string(r.Priority)).String())
	}
	if !r.Repeat.IsZero() {
		bits = append(bits, "🔁 "+tgui.Esc(r.Repeat.String()).String())
	}
	return strings.Join(bits, " · ")
}
