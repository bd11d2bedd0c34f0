// Package peers keeps the connections of a channel indexed by the peer's host:port.
//
// Outbound connections are dialed lazily on first use and shared by every caller. Inbound
// connections are registered under the host:port the peer advertised during the
// handshake, so a call to a peer that dialed us reuses its connection. Closed connections
// drop out of the collection through the connection's OnClose hook.
package peers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/transport"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("peers: collection closed")

const defaultDialTimeout = 10 * time.Second

// dialCall is an in-progress dial that concurrent callers for the same host wait on.
type dialCall struct {
	done chan struct{}
	conn *transport.Connection
	err  error
}

// Collection is a goroutine safe directory of connections by host:port.
type Collection struct {
	mu      sync.Mutex
	conns   map[string][]*transport.Connection // Established connections per host:port
	byID    map[uint64]string                  // Connection id → host:port key
	dialing map[string]*dialCall
	closed  bool
	counter atomic.Uint64 // Round-robin over connections to the same host

	dialer transport.Dialer
	opts   transport.Options
	log    zerolog.Logger
}

// New creates an empty collection. Outbound connections use dialer and opts; opts.OnClose
// is chained after the collection's own bookkeeping.
func New(dialer transport.Dialer, opts transport.Options) *Collection {
	p := &Collection{
		conns:   make(map[string][]*transport.Connection),
		byID:    make(map[uint64]string),
		dialing: make(map[string]*dialCall),
		dialer:  dialer,
		log:     opts.Logger.With().Str("component", "peers").Logger(),
	}
	onClose := opts.OnClose
	opts.OnClose = func(c *transport.Connection) {
		p.Remove(c)
		if onClose != nil {
			onClose(c)
		}
	}
	p.opts = opts
	return p
}

// Get returns an established connection to hostPort, dialing one if none exists.
// Concurrent calls for the same host share a single dial.
func (p *Collection) Get(ctx context.Context, hostPort string) (*transport.Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if c := p.pickLocked(hostPort); c != nil {
		p.mu.Unlock()
		return c, nil
	}
	call, inflight := p.dialing[hostPort]
	if !inflight {
		call = &dialCall{done: make(chan struct{})}
		p.dialing[hostPort] = call
	}
	p.mu.Unlock()

	if !inflight {
		go p.dial(hostPort, call)
	}
	select {
	case <-call.done:
		return call.conn, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Collection) dial(hostPort string, call *dialCall) {
	p.mu.Lock()
	opts := p.opts
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout(opts))
	defer cancel()
	conn, err := transport.Dial(ctx, p.dialer, hostPort, opts)

	p.mu.Lock()
	delete(p.dialing, hostPort)
	if err == nil && p.closed {
		err = ErrClosed
	}
	if err == nil {
		p.addLocked(hostPort, conn)
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Debug().Err(err).Str("host", hostPort).Msg("dial failed")
		if conn != nil {
			conn.Close()
			conn = nil
		}
	}
	call.conn, call.err = conn, err
	close(call.done)
}

func dialTimeout(opts transport.Options) time.Duration {
	if opts.HandshakeTimeout > 0 {
		return 2 * opts.HandshakeTimeout
	}
	return defaultDialTimeout
}

// SetHostPort changes the host:port advertised by connections dialed from now on.
func (p *Collection) SetHostPort(hostPort string) {
	p.mu.Lock()
	p.opts.HostPort = hostPort
	p.mu.Unlock()
}

// Add registers an established connection under the host:port its peer advertised.
// Connections without an advertised address are not indexed.
func (p *Collection) Add(c *transport.Connection) {
	hostPort := c.Remote().HostPort
	if hostPort == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.addLocked(hostPort, c)
}

func (p *Collection) addLocked(hostPort string, c *transport.Connection) {
	if _, ok := p.byID[c.ID()]; ok {
		return
	}
	p.conns[hostPort] = append(p.conns[hostPort], c)
	p.byID[c.ID()] = hostPort
}

// Remove forgets c. It is safe to call more than once.
func (p *Collection) Remove(c *transport.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hostPort, ok := p.byID[c.ID()]
	if !ok {
		return
	}
	delete(p.byID, c.ID())
	list := p.conns[hostPort]
	for i, x := range list {
		if x == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.conns, hostPort)
	} else {
		p.conns[hostPort] = list
	}
}

// pickLocked selects one open connection to hostPort in round-robin order.
func (p *Collection) pickLocked(hostPort string) *transport.Connection {
	var open []*transport.Connection
	for _, c := range p.conns[hostPort] {
		if c.State() == transport.Established {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return nil
	}
	return open[p.counter.Add(1)%uint64(len(open))]
}

// Len returns the number of indexed connections.
func (p *Collection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Hosts returns the host:port keys with at least one connection.
func (p *Collection) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.conns))
	for h := range p.conns {
		hosts = append(hosts, h)
	}
	return hosts
}

// Close closes every connection and rejects further Gets.
func (p *Collection) Close() error {
	p.mu.Lock()
	p.closed = true
	var all []*transport.Connection
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	return nil
}
