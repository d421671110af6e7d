// Package trigger implements the durable trigger registry and its sweep
// scheduler: one-shot reminders, recurring schedules, and condition polls
// that watch the user's mailbox. Firing re-enters the conversation through
// the interaction router as synthetic input.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the trigger flavor.
type Kind string

const (
	// KindOneShot fires once at fire_at, then is terminal.
	KindOneShot Kind = "one_shot"

	// KindRecurring fires on a schedule, re-arming before every delivery.
	KindRecurring Kind = "recurring"

	// KindConditionPoll checks a mailbox condition on a schedule and only
	// fires when the condition holds.
	KindConditionPoll Kind = "condition_poll"
)

// Status is the trigger lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Trigger is one durable registry entry.
type Trigger struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Kind   Kind   `json:"kind"`

	// FireAt is the one-shot due time.
	FireAt *time.Time `json:"fire_at,omitempty"`

	// Schedule is the recurrence spec for recurring and condition-poll
	// triggers: a Go duration ("10m"), "@every 10m", or a 5-field cron
	// expression.
	Schedule string `json:"schedule,omitempty"`

	// NextCheckAt is the next sweep deadline for recurring and
	// condition-poll triggers.
	NextCheckAt *time.Time `json:"next_check_at,omitempty"`

	// Payload is the notice text delivered when the trigger fires. For
	// condition polls it doubles as the mailbox search query.
	Payload string `json:"payload"`

	Status Status `json:"status"`

	// AgentID scopes the trigger to an execution agent; it is cancelled
	// when that agent reaches a terminal state.
	AgentID string `json:"agent_id,omitempty"`

	// Failures counts consecutive delivery or check failures.
	Failures int `json:"failures"`

	CreatedAt time.Time  `json:"created_at"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
}

// Due reports whether the trigger should be picked up by a sweep at now.
func (t *Trigger) Due(now time.Time) bool {
	if t.Status != StatusActive {
		return false
	}
	switch t.Kind {
	case KindOneShot:
		return t.FireAt != nil && !t.FireAt.After(now)
	default:
		return t.NextCheckAt != nil && !t.NextCheckAt.After(now)
	}
}

// dueTime orders a user's due triggers; earlier fire specs deliver first.
func (t *Trigger) dueTime() time.Time {
	if t.Kind == KindOneShot && t.FireAt != nil {
		return *t.FireAt
	}
	if t.NextCheckAt != nil {
		return *t.NextCheckAt
	}
	return t.CreatedAt
}

// scheduleParser accepts 5-field cron plus @every and @daily descriptors.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextOccurrence computes the occurrence of schedule strictly after now.
// Plain Go durations ("10m") are treated as "@every 10m".
func NextOccurrence(schedule string, now time.Time) (time.Time, error) {
	spec := strings.TrimSpace(schedule)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("non-positive interval %q", spec)
		}
		return now.Add(d), nil
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched.Next(now), nil
}

// ValidateSchedule reports whether schedule is acceptable for a recurring
// or condition-poll trigger.
func ValidateSchedule(schedule string) error {
	_, err := NextOccurrence(schedule, time.Now())
	return err
}
