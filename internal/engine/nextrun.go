package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseDays resolves weekday names ("mon", "Monday", ...) into a weekday
// set. The set must be non-empty and free of unknown names.
func ParseDays(days []string) (map[time.Weekday]bool, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("days must not be empty")
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		set[wd] = true
	}
	return set, nil
}

// ParseTimeOfDay validates an "HH:MM" string and returns its components.
func ParseTimeOfDay(hhmm string) (hour, minute int, err error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time must be HH:MM, got %q", hhmm)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}

// NextRun returns the earliest datetime strictly after now whose weekday is
// in days and whose server-local time of day equals hhmm. The result is
// always in the future by less than eight days.
func NextRun(hhmm string, days []string, now time.Time) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	set, err := ParseDays(days)
	if err != nil {
		return time.Time{}, err
	}

	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if offset == 0 && !candidate.After(now) {
			continue
		}
		if set[candidate.Weekday()] {
			return candidate, nil
		}
	}
	// Unreachable: a non-empty weekday set always matches within 8 days.
	return time.Time{}, fmt.Errorf("no next run for %q on %v", hhmm, days)
}
