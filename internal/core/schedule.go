package core

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, scheduleErr("cron", "only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, scheduleErr("cron", "invalid cron expression: %v", err)
	}
	return schedule, nil
}

// LoadTimezone resolves an IANA timezone name. Empty means UTC.
func LoadTimezone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, scheduleErr("timezone", "unknown timezone %q", name)
	}
	return loc, nil
}

// ParseSchedule validates a schedule definition against its kind. Invalid
// definitions fail task creation; definitions that pass never fail later
// evaluation.
func ParseSchedule(kind TaskKind, s Schedule) error {
	switch kind {
	case KindOneTime:
		if s.At == nil {
			return scheduleErr("at", "one_time tasks need an absolute instant")
		}
	case KindRecurring:
		if strings.TrimSpace(s.Cron) == "" {
			return scheduleErr("cron", "recurring tasks need a cron expression")
		}
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
		if _, err := LoadTimezone(s.Timezone); err != nil {
			return err
		}
	case KindTrigger:
		if strings.TrimSpace(s.Trigger) == "" {
			return scheduleErr("trigger", "trigger tasks need a trigger source")
		}
	default:
		return scheduleErr("kind", "unknown task kind %q", kind)
	}
	return nil
}

// NextRun computes the next due instant strictly after ref, in UTC.
// One-time schedules yield their instant only while it is still in the
// future; trigger schedules always yield nil (eligibility is event-driven).
// Recurring schedules are evaluated in their own timezone, which also
// carries them across daylight-saving gaps to the next valid wall-clock
// time. Deterministic: no clock reads, same inputs yield the same output.
func NextRun(kind TaskKind, s Schedule, ref time.Time) *time.Time {
	switch kind {
	case KindOneTime:
		if s.At != nil && s.At.After(ref) {
			at := s.At.UTC()
			return &at
		}
	case KindRecurring:
		schedule, err := ParseCron(s.Cron)
		if err != nil {
			return nil
		}
		loc, err := LoadTimezone(s.Timezone)
		if err != nil {
			return nil
		}
		next := schedule.Next(ref.In(loc))
		if next.After(ref) {
			next = next.UTC()
			return &next
		}
	}
	return nil
}

// ArmSchedule returns the next_run_at for a task entering active. Unlike
// NextRun it keeps an overdue one-time instant so the task becomes due
// immediately instead of going dormant.
func ArmSchedule(kind TaskKind, s Schedule, now time.Time) *time.Time {
	if kind == KindOneTime && s.At != nil {
		at := s.At.UTC()
		return &at
	}
	return NextRun(kind, s, now)
}

// NextOccurrences returns up to n upcoming instants for a cron expression
// evaluated in the given timezone, starting strictly after base.
func NextOccurrences(expr, timezone string, base time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	loc, err := LoadTimezone(timezone)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	next := base.In(loc)
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times, nil
}
