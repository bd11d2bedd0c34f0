package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"mini-tchannel/protocol"
)

// pingWaiter is one outstanding Ping. A waiter whose caller gave up is marked abandoned
// and skipped, so the next PingResponse goes to a live caller.
type pingWaiter struct {
	done      chan error
	abandoned atomic.Bool
}

// Ping sends a PingRequest and waits for the matching PingResponse. Responses are matched
// to outstanding pings in order.
func (c *Connection) Ping(ctx context.Context) error {
	if c.State() != Established {
		return c.closedErr()
	}
	waiter := &pingWaiter{done: make(chan error, 1)}
	select {
	case c.pingCh <- waiter:
	case <-c.halt.Done.Chan:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.writeFrames(&protocol.Frame{Type: protocol.FramePingRequest}); err != nil {
		waiter.abandoned.Store(true)
		return err
	}
	select {
	case err := <-waiter.done:
		return err
	case <-ctx.Done():
		waiter.abandoned.Store(true)
		return ctx.Err()
	}
}

// pruneStalePings drops abandoned waiters. It runs on the loop goroutine.
func (c *Connection) pruneStalePings() []*pingWaiter {
	live := c.pings[:0]
	for _, w := range c.pings {
		if !w.abandoned.Load() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.pings); i++ {
		c.pings[i] = nil
	}
	return live
}

// keepAliveLoop pings the peer on every tick. A ping that is not answered within one
// interval fails the connection.
func (c *Connection) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}
		if c.halt.ReqStop.IsClosed() {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("keepalive: %w", protocol.ErrTimeout)
		}
		c.log.Warn().Err(err).Msg("keepalive failed")
		c.fatal(err)
		return
	}
}
