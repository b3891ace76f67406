// Package window holds the time-window arithmetic behind admission blocks:
// weekly active-hours windows and post-write quiet periods.
package window

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/vigil/errors"
)

// Blocked-reason vocabulary. Guardrail reasons are built by the guardrail package.
const (
	ReasonActiveHours       = "active_hours"
	ReasonQuietPeriodPrefix = "quiet_period:"
	ReasonGuardrailsPrefix  = "guardrails:"
	ReasonAfterJobPrefix    = "after_job:"
)

// ActiveHours is a recurring weekly window. End before Start means the window
// crosses midnight (22:00–06:00).
type ActiveHours struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Start   string `json:"start" yaml:"start"`                   // HH:MM
	End     string `json:"end" yaml:"end"`                       // HH:MM
	Days    []int  `json:"days,omitempty" yaml:"days,omitempty"` // ISO weekdays 1 (Mon) .. 7 (Sun); empty = every day
}

// Validate checks clock strings and day numbers.
func (a ActiveHours) Validate() error {
	if !a.Enabled {
		return nil
	}
	if _, err := parseClock(a.Start); err != nil {
		return errors.Wrap(err, "active_hours.start")
	}
	if _, err := parseClock(a.End); err != nil {
		return errors.Wrap(err, "active_hours.end")
	}
	for _, d := range a.Days {
		if d < 1 || d > 7 {
			return errors.Newf("active_hours.days: %d is not an ISO weekday (1..7)", d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window, using t's own location.
// A disabled window contains every instant. A malformed window contains none,
// so a bad rule defers rather than fires at the wrong time.
func (a ActiveHours) Contains(t time.Time) bool {
	if !a.Enabled {
		return true
	}
	if len(a.Days) > 0 && !containsDay(a.Days, ISOWeekday(t)) {
		return false
	}

	start, err := parseClock(a.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(a.End)
	if err != nil {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}

// ISOWeekday maps time.Weekday to ISO numbering (Monday = 1, Sunday = 7).
func ISOWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, errors.Newf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Newf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// QuietRemaining returns how long until a file last modified at mtime has
// been quiet for quietSec seconds. Zero means the quiet period has elapsed.
func QuietRemaining(mtime time.Time, quietSec int, now time.Time) time.Duration {
	if quietSec <= 0 {
		return 0
	}
	remaining := time.Duration(quietSec)*time.Second - now.Sub(mtime)
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// QuietPeriodReason formats the blocked reason for a pending quiet period,
// rounding up so a job never reports "0s_remaining" while still blocked.
func QuietPeriodReason(remaining time.Duration) string {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%s%ds_remaining", ReasonQuietPeriodPrefix, secs)
}

// GuardrailsReason formats the blocked reason for guardrail violations.
func GuardrailsReason(reasons []string) string {
	return ReasonGuardrailsPrefix + strings.Join(reasons, ",")
}

// AfterJobReason formats the blocked reason for a job held behind a
// predecessor that is itself still blocked.
func AfterJobReason(id string) string {
	return ReasonAfterJobPrefix + id
}

// Kind classifies a blocked reason into its family.
func Kind(reason string) string {
	switch {
	case strings.HasPrefix(reason, ReasonAfterJobPrefix):
		return strings.TrimSuffix(ReasonAfterJobPrefix, ":")
	case strings.HasPrefix(reason, ReasonQuietPeriodPrefix):
		return strings.TrimSuffix(ReasonQuietPeriodPrefix, ":")
	case strings.HasPrefix(reason, ReasonGuardrailsPrefix):
		return strings.TrimSuffix(ReasonGuardrailsPrefix, ":")
	case reason == ReasonActiveHours:
		return ReasonActiveHours
	default:
		return ""
	}
}
