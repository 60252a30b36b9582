// Package notify is the single surface through which the engine reports
// conflicts, timeouts, and errors to the user. The core never blocks on it.
package notify

import (
	"context"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
)

// Type classifies a notification.
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Notification is one user-facing message.
type Notification struct {
	Type    Type
	Message string
}

// Notifier delivers notifications to whatever UI surface is attached.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a plain function to the Notifier interface.
type Func func(n Notification)

// Notify implements Notifier.
func (f Func) Notify(n Notification) { f(n) }

// Log returns a Notifier that writes to the logger embedded in ctx. It is
// the default surface for headless runs and tests.
func Log(ctx context.Context) Notifier {
	logger := ctxlog.FromContext(ctx)
	return Func(func(n Notification) {
		switch n.Type {
		case TypeError:
			logger.Error(n.Message)
		case TypeWarning:
			logger.Warn(n.Message)
		default:
			logger.Info(n.Message)
		}
	})
}

// Discard is a Notifier that drops everything.
var Discard Notifier = Func(func(Notification) {})
