package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"mini-tchannel/protocol"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// handshake exchanges InitRequest/InitResponse on id 0 before any call may flow. It is
// bounded by HandshakeTimeout and ctx. On failure the stream is closed.
func (c *Connection) handshake(ctx context.Context) error {
	c.setState(Handshaking)

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	var aborted atomic.Bool
	abort := func() {
		aborted.Store(true)
		_ = c.rwc.Close()
	}
	stopCtx := context.AfterFunc(ctx, abort)
	defer stopCtx()

	if d, ok := c.rwc.(deadliner); ok {
		_ = d.SetDeadline(deadline)
		defer func() { _ = d.SetDeadline(time.Time{}) }()
	} else {
		timer := time.AfterFunc(time.Until(deadline), abort)
		defer timer.Stop()
	}

	var err error
	if c.dir == Outbound {
		err = c.handshakeOutbound()
	} else {
		err = c.handshakeInbound()
	}
	if err == nil {
		return nil
	}

	_ = c.rwc.Close()
	c.setState(Closed)
	c.halt.ReqStop.Close()
	c.halt.Done.Close()

	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("handshake: %w", ctx.Err())
	case aborted.Load() || isTimeout(err):
		err = fmt.Errorf("handshake: %w", protocol.ErrTimeout)
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.log.Debug().Err(err).Msg("handshake failed")
	return err
}

func (c *Connection) initPayload() ([]byte, error) {
	return (&protocol.InitPayload{
		Version: protocol.Version,
		Headers: map[string]string{
			protocol.InitHeaderHostPort:    c.opts.HostPort,
			protocol.InitHeaderProcessName: c.opts.ProcessName,
		},
	}).Encode()
}

func (c *Connection) handshakeOutbound() error {
	payload, err := c.initPayload()
	if err != nil {
		return err
	}
	if err := c.writeFrames(&protocol.Frame{Type: protocol.FrameInitRequest, Payload: payload}); err != nil {
		return err
	}

	f, err := c.reader.ReadFrame()
	if err != nil {
		return &protocol.ConnectionError{Err: err}
	}
	switch f.Type {
	case protocol.FrameInitResponse:
		ip, err := protocol.DecodeInit(f.Payload)
		if err != nil {
			return err
		}
		if ip.Version != protocol.Version {
			return &protocol.ProtocolError{
				Kind: protocol.HandshakeMismatch,
				Msg:  fmt.Sprintf("peer speaks version %d, want %d", ip.Version, protocol.Version),
			}
		}
		c.setRemote(ip)
		return nil
	case protocol.FrameError:
		ep, err := protocol.DecodeError(f.Payload)
		if err != nil {
			return err
		}
		return &protocol.ProtocolError{Kind: protocol.HandshakeMismatch, Msg: "peer rejected init: " + ep.Message}
	default:
		return &protocol.ProtocolError{Kind: protocol.UnexpectedFrame, Msg: f.Type.String() + " during handshake"}
	}
}

func (c *Connection) handshakeInbound() error {
	f, err := c.reader.ReadFrame()
	if err != nil {
		return &protocol.ConnectionError{Err: err}
	}
	if f.Type != protocol.FrameInitRequest {
		perr := &protocol.ProtocolError{Kind: protocol.UnexpectedFrame, Msg: f.Type.String() + " before init"}
		_ = c.writeError(0, protocol.ErrCodeProtocolError, perr.Error())
		return perr
	}
	ip, err := protocol.DecodeInit(f.Payload)
	if err != nil {
		_ = c.writeError(0, protocol.ErrCodeProtocolError, err.Error())
		return err
	}
	if ip.Version != protocol.Version {
		perr := &protocol.ProtocolError{
			Kind: protocol.HandshakeMismatch,
			Msg:  fmt.Sprintf("unsupported version %d, want %d", ip.Version, protocol.Version),
		}
		_ = c.writeError(0, protocol.ErrCodeProtocolError, perr.Error())
		return perr
	}
	c.setRemote(ip)

	payload, err := c.initPayload()
	if err != nil {
		return err
	}
	return c.writeFrames(&protocol.Frame{Type: protocol.FrameInitResponse, Payload: payload})
}

func (c *Connection) setRemote(ip *protocol.InitPayload) {
	c.remote = PeerInfo{
		HostPort:    ip.Headers[protocol.InitHeaderHostPort],
		ProcessName: ip.Headers[protocol.InitHeaderProcessName],
		Version:     ip.Version,
	}
	if c.remote.HostPort != "" {
		c.log = c.log.With().Str("peer", c.remote.HostPort).Logger()
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
