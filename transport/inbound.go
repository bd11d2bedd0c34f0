package transport

import (
	"context"
	"errors"
	"fmt"

	"mini-tchannel/fragment"
	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

type handlerResult struct {
	resp *message.CallEnvelope
	err  error
}

// startInbound registers an assembled request and serves it on its own goroutine. The
// handler context ends at the call TTL, on a Cancel frame from the peer, or on close.
// It runs on the loop goroutine.
func (c *Connection) startInbound(env *message.CallEnvelope) error {
	if _, busy := c.inbound[env.ID]; busy {
		return &protocol.ProtocolError{Kind: protocol.OutOfSequence, Msg: fmt.Sprintf("call %d already in progress", env.ID)}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := context.CancelFunc(func() {})
	if env.TTL > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, env.TTL, protocol.ErrTimeout)
	}
	c.inbound[env.ID] = cancel
	c.inboundStarted()
	go c.serveInbound(ctx, env, func() {
		stop()
		cancel(nil)
	})
	return nil
}

func (c *Connection) serveInbound(ctx context.Context, env *message.CallEnvelope, release func()) {
	defer func() {
		release()
		c.inboundFinished()
		select {
		case c.doneCh <- env.ID:
		case <-c.halt.Done.Chan:
		}
	}()

	if c.opts.Handler == nil {
		c.replyError(env.ID, protocol.ErrCodeDeclined, "no handler for inbound calls")
		return
	}

	results := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("method", env.Method()).Msg("handler panicked")
				results <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := c.opts.Handler.HandleCall(ctx, env)
		results <- handlerResult{resp: resp, err: err}
	}()

	var res handlerResult
	select {
	case res = <-results:
	case <-ctx.Done():
	}

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, protocol.ErrCancelled), errors.Is(cause, protocol.ErrConnectionClosed):
		return
	case res.resp == nil && res.err == nil && errors.Is(cause, protocol.ErrTimeout):
		c.replyError(env.ID, protocol.ErrCodeTimeout, fmt.Sprintf("%s exceeded ttl %v", env.Method(), env.TTL))
		return
	}

	if res.err != nil {
		code, msg := errorCode(res.err)
		c.replyError(env.ID, code, msg)
		return
	}
	c.reply(env, res.resp)
}

func (c *Connection) reply(req, resp *message.CallEnvelope) {
	if resp == nil {
		resp = req.Reply(nil, nil)
	}
	resp.ID = req.ID
	if resp.ServiceName == "" {
		resp.ServiceName = req.ServiceName
	}
	frames, err := c.frag.Fragment(fragment.Response, resp)
	if err != nil {
		c.replyError(req.ID, protocol.ErrCodeUnexpected, err.Error())
		return
	}
	if err := c.writeFrames(frames...); err != nil {
		c.log.Debug().Err(err).Uint32("id", req.ID).Msg("response write failed")
	}
}

func (c *Connection) replyError(id uint32, code protocol.ErrorCode, msg string) {
	if err := c.writeError(id, code, msg); err != nil {
		c.log.Debug().Err(err).Uint32("id", id).Msg("error frame write failed")
	}
}

// errorCode maps a handler error onto the wire.
func errorCode(err error) (protocol.ErrorCode, string) {
	var appErr *protocol.ApplicationError
	switch {
	case errors.As(err, &appErr):
		return appErr.Code, appErr.Message
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeTimeout, err.Error()
	case errors.Is(err, protocol.ErrCancelled), errors.Is(err, context.Canceled):
		return protocol.ErrCodeCancelled, err.Error()
	default:
		return protocol.ErrCodeUnexpected, err.Error()
	}
}

func (c *Connection) inboundStarted() {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
}

func (c *Connection) inboundFinished() {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// WaitInbound blocks until no inbound call is being served, including writing its
// response, or until ctx ends.
func (c *Connection) WaitInbound(ctx context.Context) error {
	c.inflightMu.Lock()
	if c.inflight == 0 {
		c.inflightMu.Unlock()
		return nil
	}
	idle := c.idle
	c.inflightMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
