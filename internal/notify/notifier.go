// Package notify delivers chain outcomes to configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskmill/internal/core"
)

// Sink sends one rendered notification to a channel.
type Sink interface {
	Send(ctx context.Context, title, body string) error
}

// Dispatcher routes task outcomes to named sinks. It satisfies the
// engine's Notifier interface; delivery errors are reported but never
// affect task state.
type Dispatcher struct {
	logger   *slog.Logger
	sinks    map[string]Sink
	defaults []string
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		sinks:  make(map[string]Sink),
	}
}

// Register adds a named sink. The first registered sink becomes the
// default channel unless SetDefaults is called.
func (d *Dispatcher) Register(name string, sink Sink) {
	d.sinks[name] = sink
	if len(d.defaults) == 0 {
		d.defaults = []string{name}
	}
}

// SetDefaults picks the channels used by tasks that do not name any.
func (d *Dispatcher) SetDefaults(names ...string) {
	d.defaults = names
}

// Channels returns the registered sink names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.sinks))
	for name := range d.sinks {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) Notify(ctx context.Context, event core.NotifyEvent, task *core.Task, exec *core.Execution) error {
	channels := task.Notify.Channels
	if len(channels) == 0 {
		channels = d.defaults
	}
	title, body := formatEvent(event, task, exec)
	var errs []error
	for _, name := range channels {
		sink, ok := d.sinks[name]
		if !ok {
			d.logger.Warn("unknown notification channel", "channel", name, "task_id", task.ID)
			continue
		}
		if err := sink.Send(ctx, title, body); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func formatEvent(event core.NotifyEvent, task *core.Task, exec *core.Execution) (string, string) {
	var title string
	switch event {
	case core.EventSuccess:
		title = fmt.Sprintf("task succeeded: %s", task.Name)
	default:
		title = fmt.Sprintf("task failed: %s", task.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", task.ID)
	if exec != nil {
		fmt.Fprintf(&b, "execution: %s (attempt %d)\n", exec.ID, exec.Attempt)
		if exec.DurationMs != nil {
			fmt.Fprintf(&b, "duration: %s\n", time.Duration(*exec.DurationMs)*time.Millisecond)
		}
		if exec.Error != nil {
			fmt.Fprintf(&b, "error: %s\n", *exec.Error)
		}
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// LogSink reports outcomes through the structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, title, body string) error {
	s.logger.Info("notification", "title", title, "body", body)
	return nil
}
