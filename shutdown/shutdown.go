// Package shutdown routes termination signals into the application.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

func Notify(ch chan os.Signal) {
	signal.Notify(ch, signals...)
}

func Stop(ch chan os.Signal) {
	signal.Stop(ch)
}

// Context is cancelled when a termination signal arrives.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
