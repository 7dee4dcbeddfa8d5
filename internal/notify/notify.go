// Package notify delivers best-effort operator notifications. Failures are
// logged and never fail the pipeline that triggered them.
package notify

import "context"

// Notifier sends one message to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop discards all messages. Used when no channel is configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, message string) error { return nil }
