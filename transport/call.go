package transport

import (
	"context"
	"time"

	"mini-tchannel/calltable"
	"mini-tchannel/fragment"
	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// Call is an outbound call in flight. Its result is delivered exactly once on Done.
type Call struct {
	id   uint32
	conn *Connection
	done chan calltable.Result
}

// ID returns the call id allocated on the connection.
func (c *Call) ID() uint32 { return c.id }

// Done yields the single result of the call.
func (c *Call) Done() <-chan calltable.Result { return c.done }

// Cancel resolves the call locally with protocol.ErrCancelled and sends a Cancel frame
// without waiting for the peer. Cancelling a resolved call does nothing.
func (c *Call) Cancel() {
	c.conn.requestResolve(resolveReq{id: c.id, err: protocol.ErrCancelled, notifyPeer: true})
}

// Wait blocks for the result. If ctx ends first the call is cancelled.
func (c *Call) Wait(ctx context.Context) (*message.CallEnvelope, error) {
	select {
	case res := <-c.done:
		return res.Envelope, res.Err
	case <-ctx.Done():
		c.Cancel()
		return nil, ctx.Err()
	}
}

type registerReq struct {
	deadline time.Time
	sink     calltable.Sink
	reply    chan registerRes
}

type registerRes struct {
	id  uint32
	err error
}

type resolveReq struct {
	id         uint32
	err        error
	notifyPeer bool // Send a Cancel frame when the call was still pending
}

// Send transmits env as a new call and returns without waiting for the response. The
// connection assigns env.ID. A zero env.TTL is taken from the ctx deadline, then from
// Options.DefaultTTL; a call with no TTL at all never expires.
func (c *Connection) Send(ctx context.Context, env *message.CallEnvelope) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st := c.State(); st != Established {
		if st < Established {
			return nil, &protocol.ProtocolError{Kind: protocol.UnexpectedFrame, Msg: "call before handshake completed"}
		}
		return nil, c.closedErr()
	}

	now := time.Now()
	if env.TTL <= 0 {
		if dl, ok := ctx.Deadline(); ok {
			env.TTL = dl.Sub(now)
		} else {
			env.TTL = c.opts.DefaultTTL
		}
	}
	var deadline time.Time
	if env.TTL > 0 {
		deadline = now.Add(env.TTL)
	}

	call := &Call{conn: c, done: make(chan calltable.Result, 1)}
	req := &registerReq{
		deadline: deadline,
		sink:     func(res calltable.Result) { call.done <- res },
		reply:    make(chan registerRes, 1),
	}
	select {
	case c.registerCh <- req:
	case <-c.halt.Done.Chan:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-req.reply
	if res.err != nil {
		return nil, res.err
	}
	call.id = res.id
	env.ID = res.id

	frames, err := c.frag.Fragment(fragment.Request, env)
	if err != nil {
		c.requestResolve(resolveReq{id: call.id, err: err})
		return nil, err
	}
	if err := c.writeFrames(frames...); err != nil {
		c.requestResolve(resolveReq{id: call.id, err: err})
		return nil, err
	}
	select {
	case c.sentCh <- call.id:
	case <-c.halt.Done.Chan:
	}
	c.log.Trace().
		Uint32("id", call.id).
		Str("service", env.ServiceName).
		Str("method", env.Method()).
		Int("frames", len(frames)).
		Msg("call sent")
	return call, nil
}

// Call sends env and waits for its response.
func (c *Connection) Call(ctx context.Context, env *message.CallEnvelope) (*message.CallEnvelope, error) {
	call, err := c.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func (c *Connection) requestResolve(req resolveReq) {
	select {
	case c.resolveCh <- req:
	case <-c.halt.Done.Chan:
	}
}

// register runs on the loop goroutine.
func (c *Connection) register(req *registerReq) registerRes {
	id, err := c.calls.Allocate()
	if err != nil {
		return registerRes{err: err}
	}
	if _, err := c.calls.Register(id, req.deadline, req.sink); err != nil {
		return registerRes{err: err}
	}
	delete(c.discard, id)
	return registerRes{id: id}
}

// resolve runs on the loop goroutine.
func (c *Connection) resolve(req resolveReq) {
	call, ok := c.calls.Get(req.id)
	if !ok {
		return
	}
	var ttl uint32
	if !call.Deadline.IsZero() {
		if left := time.Until(call.Deadline); left > 0 {
			ttl = uint32(left.Milliseconds())
		}
	}
	if c.resAssembler.Drop(req.id) {
		c.discard[req.id] = discardUntil(call.Deadline)
	}
	if !req.notifyPeer {
		c.calls.Resolve(req.id, calltable.Result{Err: req.err})
		return
	}
	c.calls.Cancel(req.id)
	payload, err := (&protocol.CancelPayload{TTLMillis: ttl, Why: "cancelled by caller"}).Encode()
	if err != nil {
		return
	}
	c.writeControl(&protocol.Frame{Type: protocol.FrameCancel, ID: req.id, Payload: payload})
}

// discardUntil is how long the rest of an abandoned response stream is swallowed. A
// peer that ignores the Cancel stops at the call deadline at the latest.
func discardUntil(deadline time.Time) time.Time {
	if deadline.IsZero() {
		deadline = time.Now()
	}
	return deadline.Add(discardGrace)
}
