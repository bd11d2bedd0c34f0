package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
	"mini-tchannel/testutil/testlog"
)

var echo = HandlerFunc(func(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	return call.Reply(call.Arg2, call.Arg3), nil
})

func testOptions(t *testing.T, hostPort string) Options {
	return Options{
		HostPort:    hostPort,
		ProcessName: t.Name(),
		Logger:      testlog.New(t),
	}
}

// pair returns two established connections joined by an in-memory pipe.
func pair(t *testing.T, client, server Options) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type accepted struct {
		conn *Connection
		err  error
	}
	done := make(chan accepted, 1)
	go func() {
		c, err := Accept(ctx, b, server)
		done <- accepted{c, err}
	}()

	cli, err := Connect(ctx, a, client)
	require.NoError(t, err)
	acc := <-done
	require.NoError(t, acc.err)

	t.Cleanup(func() {
		cli.Close()
		acc.conn.Close()
	})
	return cli, acc.conn
}

// rawPeer speaks the wire protocol by hand, for tests that need exact control over the
// frames a connection sees.
type rawPeer struct {
	conn   net.Conn
	reader *protocol.FrameReader
	frames chan *protocol.Frame
}

func newRawPeer(conn net.Conn) *rawPeer {
	return &rawPeer{
		conn:   conn,
		reader: protocol.NewFrameReader(conn, protocol.DefaultLimits()),
		frames: make(chan *protocol.Frame, 64),
	}
}

func (p *rawPeer) write(f *protocol.Frame) error {
	return protocol.WriteFrame(p.conn, f, protocol.DefaultLimits())
}

func (p *rawPeer) writeInit(typ protocol.FrameType, version uint16) error {
	payload, err := (&protocol.InitPayload{
		Version: version,
		Headers: map[string]string{
			protocol.InitHeaderHostPort:    "raw:0",
			protocol.InitHeaderProcessName: "raw",
		},
	}).Encode()
	if err != nil {
		return err
	}
	return p.write(&protocol.Frame{Type: typ, Payload: payload})
}

// answerInit plays the inbound side of the handshake.
func (p *rawPeer) answerInit() error {
	f, err := p.reader.ReadFrame()
	if err != nil {
		return err
	}
	if f.Type != protocol.FrameInitRequest {
		return fmt.Errorf("got %v, want InitRequest", f.Type)
	}
	return p.writeInit(protocol.FrameInitResponse, protocol.Version)
}

// pump drains the stream into p.frames so the other side never blocks on a write.
func (p *rawPeer) pump() {
	go func() {
		defer close(p.frames)
		for {
			f, err := p.reader.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
}

func (p *rawPeer) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// nextOf skips frames until one of type typ arrives.
func (p *rawPeer) nextOf(t *testing.T, typ protocol.FrameType) *protocol.Frame {
	t.Helper()
	for {
		if f := p.next(t); f.Type == typ {
			return f
		}
	}
}

// connectRaw dials a Connection against a raw peer that has completed the handshake and
// is pumping frames.
func connectRaw(t *testing.T, opts Options) (*Connection, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	peer := newRawPeer(b)
	errc := make(chan error, 1)
	go func() { errc <- peer.answerInit() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Connect(ctx, a, opts)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	peer.pump()

	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, peer
}

func waitResult(t *testing.T, call *Call) (*message.CallEnvelope, error) {
	t.Helper()
	select {
	case res := <-call.Done():
		return res.Envelope, res.Err
	case <-time.After(2 * time.Second):
		t.Fatalf("call %d never resolved", call.ID())
		return nil, nil
	}
}
