// Package transport implements the connection state machine.
//
// A Connection multiplexes many concurrent calls in both directions over one byte stream.
// Each outbound call gets a unique id from the call table; a reader goroutine decodes
// frames in order and hands them to the connection loop, which routes responses back to
// the waiting caller and starts a handler goroutine for every inbound request.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ one stream ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	readLoop → loop: CallResponse(id=2) → calltable.Resolve(2) → goroutine-2 wakes up
//
// The loop never writes to the stream. Writers hold writeMu for one frame at a time, so
// frames of different calls interleave only at frame granularity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/rs/zerolog"

	"mini-tchannel/calltable"
	"mini-tchannel/fragment"
	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// State is the lifecycle position of a Connection.
type State int32

const (
	Idle State = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Direction records which side opened the connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Handler serves inbound calls. A returned *protocol.ApplicationError selects the wire
// error code; any other error is reported as ErrCodeUnexpected.
type Handler interface {
	HandleCall(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error)

func (f HandlerFunc) HandleCall(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	return f(ctx, call)
}

// Dialer opens the byte stream for an outbound connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure a Connection. Zero values take the defaults below.
type Options struct {
	MaxFrameSize      int                   // Default protocol.MaxFrameSize
	MaxCallSize       int                   // Largest reassembled call; default 16 MiB
	Checksum          protocol.ChecksumType // Checksum kind for outgoing call frames
	HandshakeTimeout  time.Duration         // Default 5s
	SweepInterval     time.Duration         // Upper bound between expiry sweeps; default 100ms
	KeepAliveInterval time.Duration         // Zero disables keep-alive pings
	DefaultTTL        time.Duration         // TTL for calls that carry none and have no ctx deadline

	HostPort    string // Advertised in the init handshake
	ProcessName string

	Handler Handler // Inbound calls; nil declines them
	Logger  zerolog.Logger
	OnClose func(*Connection) // Called once after the connection reaches Closed
}

const (
	defaultMaxCallSize      = 16 << 20
	defaultHandshakeTimeout = 5 * time.Second
	defaultSweepInterval    = 100 * time.Millisecond
	closeGrace              = 100 * time.Millisecond
	discardGrace            = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 || o.MaxFrameSize > protocol.MaxFrameSize {
		o.MaxFrameSize = protocol.MaxFrameSize
	}
	if o.MaxCallSize <= 0 {
		o.MaxCallSize = defaultMaxCallSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.ProcessName == "" {
		o.ProcessName = fmt.Sprintf("%s[%d]", filepath.Base(os.Args[0]), os.Getpid())
	}
	return o
}

// PeerInfo is what the remote side advertised during the handshake.
type PeerInfo struct {
	HostPort    string
	ProcessName string
	Version     uint16
}

var connIDs atomic.Uint64

// Connection is one multiplexed peer connection.
type Connection struct {
	id     uint64
	dir    Direction
	opts   Options
	limits protocol.Limits
	rwc    io.ReadWriteCloser
	reader *protocol.FrameReader
	frag   *fragment.Fragmenter
	log    zerolog.Logger
	remote PeerInfo

	state   atomic.Int32
	writeMu sync.Mutex // Serializes frame writes

	inflightMu sync.Mutex
	inflight   int           // Inbound calls not yet answered
	idle       chan struct{} // Closed when inflight drops to zero

	halt  *idem.Halter
	errMu sync.Mutex
	err   error

	// Requests for the loop goroutine.
	registerCh chan *registerReq
	sentCh     chan uint32
	resolveCh  chan resolveReq
	pingCh     chan *pingWaiter
	frames     chan *protocol.Frame
	fatalCh    chan error
	doneCh     chan uint32

	// Owned by the loop goroutine.
	calls        *calltable.Table
	reqAssembler *fragment.Assembler
	resAssembler *fragment.Assembler
	inbound      map[uint32]context.CancelCauseFunc
	discard      map[uint32]time.Time // Response streams abandoned mid-flight, until expiry
	pings        []*pingWaiter        // Outstanding pings, oldest first
	sweepTimer   *time.Timer
}

func newConnection(rwc io.ReadWriteCloser, dir Direction, opts Options) *Connection {
	opts = opts.withDefaults()
	limits := protocol.Limits{MaxFrameSize: opts.MaxFrameSize}
	c := &Connection{
		id:     connIDs.Add(1),
		dir:    dir,
		opts:   opts,
		limits: limits,
		rwc:    rwc,
		reader: protocol.NewFrameReader(rwc, limits),
		frag:   &fragment.Fragmenter{Limits: limits, Checksum: opts.Checksum},
		halt:   idem.NewHalter(),

		registerCh: make(chan *registerReq),
		sentCh:     make(chan uint32, 16),
		resolveCh:  make(chan resolveReq, 16),
		pingCh:     make(chan *pingWaiter),
		frames:     make(chan *protocol.Frame, 16),
		fatalCh:    make(chan error, 1),
		doneCh:     make(chan uint32, 16),

		calls:        calltable.New(),
		reqAssembler: fragment.NewAssembler(fragment.Request, opts.MaxCallSize),
		resAssembler: fragment.NewAssembler(fragment.Response, opts.MaxCallSize),
		inbound:      make(map[uint32]context.CancelCauseFunc),
		discard:      make(map[uint32]time.Time),
	}
	c.log = opts.Logger.With().
		Uint64("conn", c.id).
		Str("dir", dir.String()).
		Logger()
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		c.log = c.log.With().Str("remote", nc.RemoteAddr().String()).Logger()
	}
	return c
}

// Connect runs the outbound handshake over rwc and returns an established connection.
// On failure rwc is closed.
func Connect(ctx context.Context, rwc io.ReadWriteCloser, opts Options) (*Connection, error) {
	c := newConnection(rwc, Outbound, opts)
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

// Dial opens a stream to addr with dialer and connects over it.
func Dial(ctx context.Context, dialer Dialer, addr string, opts Options) (*Connection, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return Connect(ctx, nc, opts)
}

// Accept runs the inbound handshake over rwc and returns an established connection.
// On failure rwc is closed.
func Accept(ctx context.Context, rwc io.ReadWriteCloser, opts Options) (*Connection, error) {
	c := newConnection(rwc, Inbound, opts)
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

func (c *Connection) start() {
	c.sweepTimer = time.NewTimer(c.opts.SweepInterval)
	c.sweepTimer.Stop()
	c.setState(Established)
	c.log.Debug().Str("process", c.remote.ProcessName).Msg("connection established")

	go c.readLoop()
	go c.loop()
	if c.opts.KeepAliveInterval > 0 {
		go c.keepAliveLoop(c.opts.KeepAliveInterval)
	}
}

// ID returns the process-unique identifier of this connection.
func (c *Connection) ID() uint64 { return c.id }

// Direction reports whether the connection was dialed or accepted.
func (c *Connection) Direction() Direction { return c.dir }

// Remote returns the peer's handshake information.
func (c *Connection) Remote() PeerInfo { return c.remote }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.halt.Done.Chan }

// Err returns why the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close fails every pending call with protocol.ErrConnectionClosed, closes the stream and
// waits for the connection to reach Closed. Closing twice is a no-op.
func (c *Connection) Close() error {
	if c.State() < Established {
		return c.rwc.Close()
	}
	c.halt.ReqStop.Close()
	<-c.halt.Done.Chan
	return nil
}

// closedErr is what operations on a closing connection report.
func (c *Connection) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return protocol.ErrConnectionClosed
}

// fatal asks the loop to fail the connection with cause. Only the first cause counts.
func (c *Connection) fatal(cause error) {
	select {
	case c.fatalCh <- cause:
	default:
	}
}

// writeFrames writes frames in order under the write lock. A write failure is fatal.
func (c *Connection) writeFrames(frames ...*protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if err := protocol.WriteFrame(c.rwc, f, c.limits); err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				return err
			}
			c.fatal(err)
			return &protocol.ConnectionError{Err: err}
		}
	}
	return nil
}

// writeControl writes a connection-level frame without blocking the caller.
func (c *Connection) writeControl(f *protocol.Frame) {
	go func() {
		if err := c.writeFrames(f); err != nil {
			c.log.Debug().Err(err).Stringer("type", f.Type).Msg("control frame write failed")
		}
	}()
}

func (c *Connection) writeError(id uint32, code protocol.ErrorCode, msg string) error {
	payload, err := (&protocol.ErrorPayload{Code: code, Message: msg}).Encode()
	if err != nil {
		return err
	}
	return c.writeFrames(&protocol.Frame{Type: protocol.FrameError, ID: id, Payload: payload})
}

func (c *Connection) readLoop() {
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			if !c.halt.ReqStop.IsClosed() {
				c.fatal(err)
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}

// loop owns the call table, the assemblers and the inbound handler set.
func (c *Connection) loop() {
	reason := c.run()
	c.shutdown(reason)
}

func (c *Connection) run() error {
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return protocol.ErrConnectionClosed

		case cause := <-c.fatalCh:
			return cause

		case req := <-c.registerCh:
			c.sweep(time.Now())
			req.reply <- c.register(req)

		case id := <-c.sentCh:
			c.calls.MarkSent(id)

		case req := <-c.resolveCh:
			c.resolve(req)

		case waiter := <-c.pingCh:
			c.pings = append(c.pruneStalePings(), waiter)

		case id := <-c.doneCh:
			delete(c.inbound, id)

		case f := <-c.frames:
			c.sweep(time.Now())
			if err := c.dispatch(f); err != nil {
				return err
			}

		case now := <-c.sweepTimer.C:
			c.sweep(now)
		}
		c.armSweeper()
	}
}

func (c *Connection) shutdown(reason error) {
	c.setState(Closing)
	c.halt.ReqStop.Close()

	if !errors.Is(reason, protocol.ErrConnectionClosed) {
		var ce *protocol.ConnectionError
		if !errors.As(reason, &ce) {
			reason = &protocol.ConnectionError{Err: reason}
		}
	}
	c.errMu.Lock()
	c.err = reason
	c.errMu.Unlock()

	n := c.calls.FailAll(reason)
	for _, waiter := range c.pings {
		waiter.done <- reason
	}
	c.pings = nil
	for id, cancel := range c.inbound {
		cancel(protocol.ErrConnectionClosed)
		delete(c.inbound, id)
	}
	c.sweepTimer.Stop()

	var pe *protocol.ProtocolError
	if errors.As(reason, &pe) {
		c.bestEffort(func() {
			_ = c.writeError(0, protocol.ErrCodeProtocolError, pe.Error())
		})
	}
	_ = c.rwc.Close()
	c.setState(Closed)

	ev := c.log.Debug()
	if !errors.Is(reason, protocol.ErrConnectionClosed) {
		ev = c.log.Warn()
	}
	ev.Err(reason).Int("failed", n).Msg("connection closed")

	c.halt.Done.Close()
	if c.opts.OnClose != nil {
		c.opts.OnClose(c)
	}
}

// bestEffort runs fn but gives up waiting after closeGrace.
func (c *Connection) bestEffort(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
	}
}
