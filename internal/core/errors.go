package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskRunning rejects admin transitions that must wait for the
	// in-flight execution to drain.
	ErrTaskRunning = errors.New("task is running")
	// ErrNotResumable rejects resume on tasks that are not paused or that
	// are terminally finished.
	ErrNotResumable = errors.New("task is not resumable")
	// ErrInvalidTransition rejects backward or unknown status moves.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownAction is returned when no invoker is registered for an
	// action type tag.
	ErrUnknownAction = errors.New("unknown action type")
)

// ScheduleParseError reports an invalid schedule definition. It is surfaced
// when a task is created; schedules that parse never fail at evaluation
// time.
type ScheduleParseError struct {
	Field  string
	Reason string
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("invalid schedule: %s: %s", e.Field, e.Reason)
}

func scheduleErr(field, format string, args ...any) *ScheduleParseError {
	return &ScheduleParseError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
