package transport

import "time"

// sweep expires overdue calls and forgets abandoned response streams past their window.
// It runs on the loop goroutine before every registration and frame dispatch, and
// whenever the sweep timer fires.
func (c *Connection) sweep(now time.Time) {
	if n := c.calls.ExpireOverdue(now); n > 0 {
		c.log.Debug().Int("expired", n).Int("pending", c.calls.Len()).Msg("calls timed out")
	}
	for id, until := range c.discard {
		if now.After(until) {
			delete(c.discard, id)
		}
	}
}

// armSweeper points the sweep timer at the earliest pending deadline, but never further
// out than SweepInterval. With nothing pending the timer stays idle.
func (c *Connection) armSweeper() {
	next, ok := c.calls.NextDeadline()
	if !ok {
		c.sweepTimer.Stop()
		return
	}
	d := time.Until(next)
	if d > c.opts.SweepInterval {
		d = c.opts.SweepInterval
	}
	if d < 0 {
		d = 0
	}
	c.sweepTimer.Reset(d)
}
