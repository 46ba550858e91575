// Package notify delivers admin notifications.
package notify

import "context"

// Notifier pushes an operator-facing message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards every message; used when notifications are disabled.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string) error { return nil }
