// Package notify schedules local notifications for immediate display.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Scheduler schedules a notification with the given title and body.
type Scheduler interface {
	Schedule(ctx context.Context, title, body string) error
}

// Func adapts a function to Scheduler.
type Func func(ctx context.Context, title, body string) error

// Schedule calls f.
func (f Func) Schedule(ctx context.Context, title, body string) error {
	return f(ctx, title, body)
}

// LogScheduler "displays" notifications by logging them. It is the
// scheduler for headless processes.
type LogScheduler struct {
	logger *slog.Logger
}

// NewLogScheduler creates a LogScheduler.
func NewLogScheduler(logger *slog.Logger) *LogScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogScheduler{logger: logger}
}

// Schedule logs the notification at info level.
func (s *LogScheduler) Schedule(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "notification", "title", title, "body", body)
	return nil
}

// Multi schedules on every scheduler in order and joins their errors.
type Multi []Scheduler

// Schedule calls every scheduler even if an earlier one fails.
func (m Multi) Schedule(ctx context.Context, title, body string) error {
	var errs []error
	for _, s := range m {
		if err := s.Schedule(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
