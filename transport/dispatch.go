package transport

import (
	"mini-tchannel/calltable"
	"mini-tchannel/protocol"
)

// dispatch routes one frame from the reader. A returned error is fatal to the connection.
// It runs on the loop goroutine.
func (c *Connection) dispatch(f *protocol.Frame) error {
	if f.ID == 0 && f.Type.IsCall() {
		return &protocol.ProtocolError{Kind: protocol.UnexpectedFrame, Msg: f.Type.String() + " on reserved id 0"}
	}
	switch f.Type {
	case protocol.FrameCallRequest, protocol.FrameCallRequestContinue:
		env, err := c.reqAssembler.Add(f)
		if err != nil {
			return err
		}
		if env != nil {
			return c.startInbound(env)
		}

	case protocol.FrameCallResponse, protocol.FrameCallResponseContinue:
		if c.discarding(f) {
			return nil
		}
		env, err := c.resAssembler.Add(f)
		if err != nil {
			return err
		}
		if env != nil && !c.calls.Resolve(env.ID, calltable.Result{Envelope: env}) {
			c.log.Debug().Uint32("id", env.ID).Msg("dropping late response")
		}

	case protocol.FrameError:
		ep, err := protocol.DecodeError(f.Payload)
		if err != nil {
			return err
		}
		appErr := &protocol.ApplicationError{ID: f.ID, Code: ep.Code, Message: ep.Message}
		if f.ID == 0 {
			return appErr
		}
		c.resAssembler.Drop(f.ID)
		delete(c.discard, f.ID)
		c.calls.Resolve(f.ID, calltable.Result{Err: appErr})

	case protocol.FrameCancel:
		cp, err := protocol.DecodeCancel(f.Payload)
		if err != nil {
			return err
		}
		c.reqAssembler.Drop(f.ID)
		if cancel, ok := c.inbound[f.ID]; ok {
			c.log.Debug().Uint32("id", f.ID).Str("why", cp.Why).Msg("inbound call cancelled by peer")
			cancel(protocol.ErrCancelled)
		}

	case protocol.FramePingRequest:
		c.writeControl(&protocol.Frame{Type: protocol.FramePingResponse})

	case protocol.FramePingResponse:
		c.pings = c.pruneStalePings()
		if len(c.pings) == 0 {
			c.log.Debug().Msg("unsolicited ping response")
			return nil
		}
		waiter := c.pings[0]
		c.pings = c.pings[1:]
		waiter.done <- nil

	default:
		return &protocol.ProtocolError{Kind: protocol.UnexpectedFrame, Msg: f.Type.String() + " after handshake"}
	}
	return nil
}

// discarding swallows the rest of a response stream whose call was cancelled locally
// while fragments were still arriving.
func (c *Connection) discarding(f *protocol.Frame) bool {
	if _, ok := c.discard[f.ID]; !ok {
		return false
	}
	if f.Type == protocol.FrameCallResponse {
		delete(c.discard, f.ID)
		return false
	}
	if len(f.Payload) > 0 && f.Payload[0]&protocol.FlagMoreFragments == 0 {
		delete(c.discard, f.ID)
	}
	return true
}
