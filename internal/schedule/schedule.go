// Package schedule decides whether a rule may run at a given instant.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/autoremedy/internal/model"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Allowed reports whether a rule with schedule s may run at now.
func Allowed(s model.Schedule, now time.Time) bool {
	ok, _ := Check(s, now)
	return ok
}

// Check is Allowed with the reason a run was gated.
// A disabled schedule always allows. An unloadable timezone falls back to UTC.
func Check(s model.Schedule, now time.Time) (bool, string) {
	if !s.Enabled {
		return true, ""
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(s.AllowedDays) > 0 && !dayAllowed(s.AllowedDays, local.Weekday()) {
		return false, fmt.Sprintf("%s not in allowed days", strings.ToLower(local.Weekday().String()))
	}

	if len(s.AllowedHours) > 0 {
		minute := local.Hour()*60 + local.Minute()
		inside := false
		for _, r := range s.AllowedHours {
			start, errS := parseClock(r.Start)
			end, errE := parseClock(r.End)
			if errS != nil || errE != nil {
				continue
			}
			if inRange(minute, start, end) {
				inside = true
				break
			}
		}
		if !inside {
			return false, fmt.Sprintf("%s outside allowed hours", local.Format("15:04"))
		}
	}

	for _, b := range s.BlackoutPeriods {
		if !now.Before(b.Start) && now.Before(b.End) {
			reason := "inside blackout period"
			if b.Reason != "" {
				reason += ": " + b.Reason
			}
			return false, reason
		}
	}
	return true, ""
}

// Validate checks that the schedule can be evaluated.
func Validate(s model.Schedule) error {
	var errs []error
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", s.Timezone, err))
		}
	}
	for _, d := range s.AllowedDays {
		if _, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; !ok {
			errs = append(errs, fmt.Errorf("unknown day %q", d))
		}
	}
	for i, r := range s.AllowedHours {
		if _, err := parseClock(r.Start); err != nil {
			errs = append(errs, fmt.Errorf("allowed_hours[%d].start: %w", i, err))
		}
		if _, err := parseClock(r.End); err != nil {
			errs = append(errs, fmt.Errorf("allowed_hours[%d].end: %w", i, err))
		}
	}
	for i, b := range s.BlackoutPeriods {
		if !b.End.After(b.Start) {
			errs = append(errs, fmt.Errorf("blackout_periods[%d]: end must be after start", i))
		}
	}
	return errors.Join(errs...)
}

func dayAllowed(days []string, wd time.Weekday) bool {
	for _, d := range days {
		if w, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok && w == wd {
			return true
		}
	}
	return false
}

// inRange treats [start, end) in minutes of the day; end < start wraps
// past midnight and start == end covers the whole day.
func inRange(minute, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// parseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted as an end bound.
func parseClock(s string) (int, error) {
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
