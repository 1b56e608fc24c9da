// Package notify delivers operator notifications about worker health and
// batch progress.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Subject string // Optional backend or batch reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var err error
	for _, notifier := range m.notifiers {
		err = multierr.Append(err, notifier.Send(ctx, n))
	}
	return err
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, n Notification) error { return nil }

// WorkerExited describes a backend replica that gave up after its retry budget
func WorkerExited(backend string, replica, live int, cause error) Notification {
	return Notification{
		Title:   "Backend worker stopped",
		Message: fmt.Sprintf("Replica %d of %s exhausted its retry budget (%v). %d worker(s) left.", replica, backend, cause, live),
		Type:    NotifyError,
		Subject: backend,
	}
}

// BatchFinished summarizes a completed batch
func BatchFinished(name string, completed, strategyFailed, failed, skipped int) Notification {
	typ := NotifySuccess
	if failed > 0 {
		typ = NotifyWarning
	}
	return Notification{
		Title: "Batch finished",
		Message: fmt.Sprintf("%d completed, %d without a valid strategy, %d failed, %d already finished.",
			completed, strategyFailed, failed, skipped),
		Type:    typ,
		Subject: name,
	}
}
