package reminder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type RepeatKind string

const (
	RepeatNone    RepeatKind = ""
	RepeatDaily   RepeatKind = "daily"
	RepeatWeekly  RepeatKind = "weekly"
	RepeatMonthly RepeatKind = "monthly"
	RepeatYearly  RepeatKind = "yearly"
	RepeatCustom  RepeatKind = "custom"
)

// MinCustomInterval bounds custom recurrences so a typo can't flood a chat.
const MinCustomInterval = time.Minute

// Rule describes how a delivered reminder's successor is derived.
//
// Calendar kinds (daily/weekly/monthly/yearly) are evaluated in TZ so the
// wall-clock time survives DST changes; custom adds Every to the anchor.
type Rule struct {
	Kind  RepeatKind    `json:"kind,omitempty"`
	Every time.Duration `json:"every,omitempty"`
	Until time.Time     `json:"until,omitempty"`
	TZ    string        `json:"tz,omitempty"`
}

func (r Rule) IsZero() bool { return r.Kind == RepeatNone }

func (r Rule) Validate() error {
	switch r.Kind {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
	case RepeatCustom:
		if r.Every < MinCustomInterval {
			return &ValidationError{Field: "repeat", Reason: fmt.Sprintf("custom interval must be >= %s", MinCustomInterval)}
		}
	default:
		return &ValidationError{Field: "repeat", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	if tz := strings.TrimSpace(r.TZ); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &ValidationError{Field: "repeat.tz", Reason: err.Error()}
		}
	}
	return nil
}

func (r Rule) String() string {
	var s string
	switch r.Kind {
	case RepeatNone:
		return "none"
	case RepeatCustom:
		s = "every " + r.Every.String()
	default:
		s = string(r.Kind)
	}
	if !r.Until.IsZero() {
		s += " until " + r.Until.Format("2006-01-02")
	}
	return s
}

func (r Rule) location(def *time.Location) *time.Location {
	if tz := strings.TrimSpace(r.TZ); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// Occurrence returns the n-th occurrence of the series anchored at anchor
// (n=0 is the anchor itself). Each occurrence is computed from the anchor,
// never from the previous one, so clamping and delivery jitter don't drift.
func (r Rule) Occurrence(anchor time.Time, n int) time.Time {
	if n <= 0 {
		return anchor
	}
	a := anchor.In(r.location(anchor.Location()))
	switch r.Kind {
	case RepeatDaily:
		return a.AddDate(0, 0, n)
	case RepeatWeekly:
		return a.AddDate(0, 0, 7*n)
	case RepeatMonthly:
		return addMonthsClamped(a, n)
	case RepeatYearly:
		return addMonthsClamped(a, 12*n)
	case RepeatCustom:
		return anchor.Add(time.Duration(n) * r.Every)
	}
	return time.Time{}
}

// maxCatchUpSteps caps the search in Next for calendar rules.
const maxCatchUpSteps = 100000

// Next finds the first occurrence after both the current sequence index and
// now. ok is false when the rule doesn't repeat or the occurrence would fall
// after Until.
func (r Rule) Next(anchor time.Time, seq int, now time.Time) (at time.Time, next int, ok bool) {
	if r.IsZero() {
		return time.Time{}, 0, false
	}
	next = seq + 1
	if r.Kind == RepeatCustom {
		if r.Every <= 0 {
			return time.Time{}, 0, false
		}
		if now.After(anchor) {
			if k := int(now.Sub(anchor)/r.Every) + 1; k > next {
				next = k
			}
		}
	}
	for i := 0; i < maxCatchUpSteps; i++ {
		at = r.Occurrence(anchor, next)
		if at.After(now) {
			break
		}
		next++
	}
	if !at.After(now) {
		return time.Time{}, 0, false
	}
	if !r.Until.IsZero() && at.After(r.Until) {
		return time.Time{}, 0, false
	}
	return at, next, true
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	ny := y + total/12
	nm := time.Month(total%12 + 1)
	if last := daysIn(ny, nm); d > last {
		d = last
	}
	return time.Date(ny, nm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRule parses a repeat rule.
//
// Supported forms:
//   - "none", "daily", "weekly", "monthly", "yearly" (and "day", "week", ...)
//   - Interval duration: "90m", "2h30m", "every 90m", "custom:2h"
//   - Interval HH:MM: "01:30" (1 hour 30 minutes)
func ParseRule(raw string) (Rule, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "none", "once", "off":
		return Rule{}, nil
	case "daily", "day", "every day":
		return Rule{Kind: RepeatDaily}, nil
	case "weekly", "week", "every week":
		return Rule{Kind: RepeatWeekly}, nil
	case "monthly", "month", "every month":
		return Rule{Kind: RepeatMonthly}, nil
	case "yearly", "year", "annually", "every year":
		return Rule{Kind: RepeatYearly}, nil
	}

	for _, p := range []string{"custom:", "every:", "interval:", "every "} {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	d, err := parseInterval(s)
	if err != nil {
		return Rule{}, &ValidationError{Field: "repeat", Reason: fmt.Sprintf("invalid rule %q (use daily, weekly, monthly, yearly, HH:MM, or a duration like '90m')", raw)}
	}
	r := Rule{Kind: RepeatCustom, Every: d}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
