package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FromSpec builds a trigger from a natural-language fire spec. One-shot
// phrases produce a fire time relative to now.
func FromSpec(userID, agentID, when, payload string) (*Trigger, error) {
	spec, ok := ParseNaturalLanguage(when)
	if !ok {
		return nil, fmt.Errorf("unrecognized schedule phrase %q", when)
	}
	t := &Trigger{
		UserID:  userID,
		AgentID: agentID,
		Payload: payload,
	}
	if spec.Kind == KindOneShot {
		at := time.Now().UTC().Add(spec.In)
		t.Kind = KindOneShot
		t.FireAt = &at
	} else {
		t.Kind = KindRecurring
		t.Schedule = spec.Schedule
	}
	return t, nil
}

// ParsedSpec is a schedule spec extracted from natural language: either a
// one-shot offset or a recurrence schedule.
type ParsedSpec struct {
	Kind Kind

	// In is the one-shot offset from now (KindOneShot only).
	In time.Duration

	// Schedule is the recurrence spec (recurring kinds only).
	Schedule string
}

var (
	reIn       = regexp.MustCompile(`^in\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reEveryN   = regexp.MustCompile(`^every\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reEveryOne = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	reDailyAt  = regexp.MustCompile(`^daily\s+at\s+(.+)$`)
	reWeekly   = regexp.MustCompile(`^weekly\s+on\s+(\w+)(?:\s+at\s+(.+))?$`)
)

// ParseNaturalLanguage interprets a human schedule phrase. Raw Go durations,
// @every specs, and cron expressions pass through as recurring schedules, so
// callers can accept either form in one field.
//
// Recognized phrases:
//
//	"in 10 minutes"            one-shot, 10m from now
//	"every 5 minutes"          @every 5m
//	"every hour" / "hourly"    @every 1h
//	"daily" / "daily at 9am"   cron
//	"weekly on monday at 9:30" cron
func ParseNaturalLanguage(input string) (ParsedSpec, bool) {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return ParsedSpec{}, false
	}

	if m := reIn.FindStringSubmatch(s); m != nil {
		if d, ok := buildDuration(m[1], m[2]); ok {
			return ParsedSpec{Kind: KindOneShot, In: d}, true
		}
	}

	if m := reEveryN.FindStringSubmatch(s); m != nil {
		if d, ok := buildDuration(m[1], m[2]); ok {
			return ParsedSpec{Kind: KindRecurring, Schedule: "@every " + d.String()}, true
		}
	}

	if m := reEveryOne.FindStringSubmatch(s); m != nil {
		if d, ok := buildDuration("1", m[1]); ok {
			return ParsedSpec{Kind: KindRecurring, Schedule: "@every " + d.String()}, true
		}
	}

	switch s {
	case "hourly":
		return ParsedSpec{Kind: KindRecurring, Schedule: "@every 1h"}, true
	case "daily":
		return ParsedSpec{Kind: KindRecurring, Schedule: "0 0 * * *"}, true
	}

	if m := reDailyAt.FindStringSubmatch(s); m != nil {
		if hour, minute, ok := clockTime(m[1]); ok {
			return ParsedSpec{
				Kind:     KindRecurring,
				Schedule: fmt.Sprintf("%d %d * * *", minute, hour),
			}, true
		}
	}

	if m := reWeekly.FindStringSubmatch(s); m != nil {
		if dow, ok := weekday(m[1]); ok {
			hour, minute := 0, 0
			if m[2] != "" {
				h, mn, ok := clockTime(m[2])
				if !ok {
					return ParsedSpec{}, false
				}
				hour, minute = h, mn
			}
			return ParsedSpec{
				Kind:     KindRecurring,
				Schedule: fmt.Sprintf("%d %d * * %d", minute, hour, dow),
			}, true
		}
	}

	// Raw duration, @every, or cron spec.
	if ValidateSchedule(s) == nil {
		return ParsedSpec{Kind: KindRecurring, Schedule: s}, true
	}
	return ParsedSpec{}, false
}

// buildDuration turns a count and unit word into a duration. Days become
// hours since time.ParseDuration has no day unit.
func buildDuration(count, unit string) (time.Duration, bool) {
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "second", "sec":
		return time.Duration(n) * time.Second, true
	case "minute", "min":
		return time.Duration(n) * time.Minute, true
	case "hour":
		return time.Duration(n) * time.Hour, true
	case "day":
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}

// clockTime parses "9:00", "14:30", "9am", "3:30pm".
func clockTime(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(strings.ToLower(s))

	pm := strings.HasSuffix(s, "pm")
	am := strings.HasSuffix(s, "am")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "pm"), "am"))

	parts := strings.SplitN(s, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	if len(parts) == 2 {
		minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, false
		}
	}
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	return hour, minute, true
}

// weekday maps a day name to the cron day-of-week number (0 = Sunday).
func weekday(day string) (int, bool) {
	switch strings.ToLower(day) {
	case "sunday", "sun":
		return 0, true
	case "monday", "mon":
		return 1, true
	case "tuesday", "tue":
		return 2, true
	case "wednesday", "wed":
		return 3, true
	case "thursday", "thu":
		return 4, true
	case "friday", "fri":
		return 5, true
	case "saturday", "sat":
		return 6, true
	}
	return 0, false
}
