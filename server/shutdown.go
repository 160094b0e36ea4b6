package server

import (
	"context"
	"time"

	"github.com/chskio/chsk"
)

// shutdownGrace bounds how long Shutdown waits for close frames to reach
// clients before returning.
const shutdownGrace = 500 * time.Millisecond

// Shutdown sends chsk.EvClose to every uid this process has a live
// connection for, flushing pending buffers first, then gives clients a
// short grace period to observe it before the caller tears down the
// listener.
func (c *Chsk) Shutdown(ctx context.Context) error {
	view := c.registry.Connected()
	for uid := range view.Any {
		_ = c.engine.Send(uid, chsk.New(chsk.EvClose), true)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(shutdownGrace):
		return nil
	}
}
