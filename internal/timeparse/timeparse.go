// Package timeparse turns short human time expressions into absolute times.
//
// Supported (English, plus the Russian forms the bot has always accepted):
//   - relative: "in 10 minutes", "in 2h", "через 3 часа", "90m", "1h30m"
//   - day + clock: "today at 18:00", "tomorrow at 9:30", "day after tomorrow at 8:00",
//     "friday at 14:00", "завтра в 9:00", "в пятницу в 14:00"
//   - dates: "24.12 at 10:00", "24.12.2026 10:00", "2026-12-24 10:00", RFC 3339
//   - bare clock "18:30" (today, or tomorrow once passed)
//   - shortcuts: "now", "soon", "later", "tonight", "tomorrow morning"
//
// Results carry ref's location and have zero seconds unless relative.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxAhead is the furthest Validate accepts.
const MaxAhead = 365 * 24 * time.Hour

type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return "time: " + e.Reason
	}
	return fmt.Sprintf("time %q: %s", e.Input, e.Reason)
}

var (
	reRelative = regexp.MustCompile(`^(?:in|через|\+)\s*(\d+)\s*([a-zа-я]+)$`)
	reDayClock = regexp.MustCompile(`^(today|tomorrow|day after tomorrow|сегодня|завтра|послезавтра)\s+(?:at\s+|в\s+)?(\d{1,2})[:.](\d{2})$`)
	reWeekday  = regexp.MustCompile(`^(?:on\s+|next\s+|в\s+|во\s+)?([a-zа-я]+)\s+(?:at\s+|в\s+)?(\d{1,2})[:.](\d{2})$`)
	reDotDate  = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})(?:\.(\d{4}))?\s+(?:at\s+|в\s+)?(\d{1,2}):(\d{2})$`)
	reISODate  = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[ t](\d{1,2}):(\d{2})$`)
	reClock    = regexp.MustCompile(`^(?:at\s+|в\s+)?(\d{1,2}):(\d{2})$`)
)

var units = map[string]time.Duration{
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"мин": time.Minute, "минуту": time.Minute, "минуты": time.Minute, "минут": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"ч": time.Hour, "час": time.Hour, "часа": time.Hour, "часов": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"день": 24 * time.Hour, "дня": 24 * time.Hour, "дней": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
	"неделю": 7 * 24 * time.Hour, "недели": 7 * 24 * time.Hour, "недель": 7 * 24 * time.Hour,
}

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday, "понедельник": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "вторник": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "среду": time.Wednesday, "среда": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "четверг": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "пятницу": time.Friday, "пятница": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "субботу": time.Saturday, "суббота": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday, "воскресенье": time.Sunday,
}

// Parse interprets raw relative to ref. It does not check that the result
// is in the future; call Validate for that.
func Parse(raw string, ref time.Time) (time.Time, error) {
	s := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if s == "" {
		return time.Time{}, &ParseError{Reason: "empty"}
	}
	if t, ok, err := parseShortcut(s, ref); ok || err != nil {
		return t, wrap(raw, err)
	}
	if t, ok, err := parseRelative(s, ref); ok || err != nil {
		return t, wrap(raw, err)
	}
	if t, ok, err := parseAbsolute(s, ref); ok || err != nil {
		return t, wrap(raw, err)
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
		return t.In(ref.Location()), nil
	}
	return time.Time{}, &ParseError{Input: raw, Reason: "unrecognized format (try 'in 30 minutes', 'tomorrow at 9:00' or '24.12 at 18:00')"}
}

func wrap(raw string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Input: raw, Reason: err.Error()}
}

// Validate rejects times that are not after ref or more than MaxAhead out.
func Validate(t, ref time.Time) error {
	if !t.After(ref) {
		return &ParseError{Input: t.Format("2006-01-02 15:04"), Reason: "must be in the future"}
	}
	if t.Sub(ref) > MaxAhead {
		return &ParseError{Input: t.Format("2006-01-02 15:04"), Reason: "more than a year ahead"}
	}
	return nil
}

// ParseFuture is Parse followed by Validate.
func ParseFuture(raw string, ref time.Time) (time.Time, error) {
	t, err := Parse(raw, ref)
	if err != nil {
		return time.Time{}, err
	}
	if err := Validate(t, ref); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseShortcut(s string, ref time.Time) (time.Time, bool, error) {
	switch s {
	case "now", "сейчас":
		return ref.Add(time.Minute), true, nil
	case "soon", "скоро":
		return ref.Add(15 * time.Minute), true, nil
	case "later", "потом":
		return ref.Add(2 * time.Hour), true, nil
	case "tonight", "this evening", "вечером":
		t := atClock(ref, 18, 0)
		if !t.After(ref) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true, nil
	case "tomorrow morning", "утром":
		return atClock(ref, 9, 0).AddDate(0, 0, 1), true, nil
	}
	return time.Time{}, false, nil
}

func parseRelative(s string, ref time.Time) (time.Time, bool, error) {
	if m := reRelative.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, true, err
		}
		unit, ok := units[m[2]]
		if !ok {
			return time.Time{}, true, fmt.Errorf("unknown unit %q", m[2])
		}
		return ref.Add(time.Duration(n) * unit), true, nil
	}
	// Bare Go durations: "90m", "1h30m".
	if strings.ContainsAny(s, "hms") && !strings.ContainsAny(s, " :") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, false, nil
		}
		if d <= 0 {
			return time.Time{}, true, fmt.Errorf("duration must be positive")
		}
		return ref.Add(d), true, nil
	}
	return time.Time{}, false, nil
}

func parseAbsolute(s string, ref time.Time) (time.Time, bool, error) {
	if m := reDayClock.FindStringSubmatch(s); m != nil {
		h, mi, err := clock(m[2], m[3])
		if err != nil {
			return time.Time{}, true, err
		}
		t := atClock(ref, h, mi)
		switch m[1] {
		case "today", "сегодня":
			if !t.After(ref) {
				t = t.AddDate(0, 0, 1)
			}
		case "tomorrow", "завтра":
			t = t.AddDate(0, 0, 1)
		default:
			t = t.AddDate(0, 0, 2)
		}
		return t, true, nil
	}
	if m := reDotDate.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year := ref.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		h, mi, err := clock(m[4], m[5])
		if err != nil {
			return time.Time{}, true, err
		}
		t, err := date(year, month, day, h, mi, ref.Location())
		if err != nil {
			return time.Time{}, true, err
		}
		if m[3] == "" && !t.After(ref) {
			t, err = date(year+1, month, day, h, mi, ref.Location())
			if err != nil {
				return time.Time{}, true, err
			}
		}
		return t, true, nil
	}
	if m := reISODate.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		h, mi, err := clock(m[4], m[5])
		if err != nil {
			return time.Time{}, true, err
		}
		t, err := date(year, month, day, h, mi, ref.Location())
		return t, true, err
	}
	if m := reClock.FindStringSubmatch(s); m != nil {
		h, mi, err := clock(m[1], m[2])
		if err != nil {
			return time.Time{}, true, err
		}
		t := atClock(ref, h, mi)
		if !t.After(ref) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true, nil
	}
	if m := reWeekday.FindStringSubmatch(s); m != nil {
		wd, ok := weekdays[m[1]]
		if !ok {
			return time.Time{}, false, nil
		}
		h, mi, err := clock(m[2], m[3])
		if err != nil {
			return time.Time{}, true, err
		}
		ahead := int(wd - ref.Weekday())
		if ahead <= 0 {
			ahead += 7
		}
		return atClock(ref, h, mi).AddDate(0, 0, ahead), true, nil
	}
	return time.Time{}, false, nil
}

func clock(hs, ms string) (int, int, error) {
	h, _ := strconv.Atoi(hs)
	m, _ := strconv.Atoi(ms)
	if h > 23 || m > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %s:%s", hs, ms)
	}
	return h, m, nil
}

func atClock(ref time.Time, h, m int) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), h, m, 0, 0, ref.Location())
}

// date builds a time and rejects values time.Date would normalize (31.02).
func date(year, month, day, h, m int, loc *time.Location) (time.Time, error) {
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month %d", month)
	}
	t := time.Date(year, time.Month(month), day, h, m, 0, 0, loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("invalid date %02d.%02d.%d", day, month, year)
	}
	return t, nil
}
