package main

import (
	"context"

	"friendrec/pipeline"
)

// SessionSink abstracts the display layer so both the Bubble Tea TUI and the
// headless printer receive the same session updates.
type SessionSink interface {
	SessionChanged(s pipeline.Session)
}

// forwardSessions delivers controller snapshots to sink until ctx is done.
func forwardSessions(ctx context.Context, ctrl *pipeline.Controller, sink SessionSink) {
	ch, cancel := ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case s := <-ch:
			sink.SessionChanged(s)
		case <-ctx.Done():
			return
		}
	}
}
