// Package channel ties the server, the peer directory and the sender into one endpoint
// that both serves and makes calls.
//
//	ch := channel.New(channel.Options{ServiceName: "kv"})
//	ch.Register("kv", &Store{})
//	ch.Listen("127.0.0.1:0")
//	defer ch.Close()
//
//	kv := ch.CreateClient("kv", "10.0.0.7:4040", message.CallOptions{TTL: time.Second}, nil)
//	err := kv.CallJSON(ctx, "Store.Get", &GetArgs{Key: "a"}, &reply)
//
// Connections are shared in both directions. A peer that dialed us is indexed under the
// host:port it advertised, and calls to that host:port go over its connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/client"
	"mini-tchannel/config"
	"mini-tchannel/message"
	"mini-tchannel/middleware"
	"mini-tchannel/peers"
	"mini-tchannel/server"
	"mini-tchannel/transport"
)

const defaultShutdownTimeout = 5 * time.Second

// Options configure a Channel.
type Options struct {
	ServiceName string // Caller name sent on outbound calls
	Transport   transport.Options
	Dialer      transport.Dialer // Default net.Dialer over tcp
	Logger      zerolog.Logger

	MaxRetries     int // Outbound retries of retryable failures; 0 disables
	RetryBaseDelay time.Duration
	RateLimit      float64 // Inbound calls per second; 0 disables
	RateBurst      int
	HandlerTimeout time.Duration // Extra bound on handlers beyond the call TTL; 0 disables

	ShutdownTimeout time.Duration // How long Close waits for in-flight handlers
}

// Channel is a TChannel endpoint.
type Channel struct {
	opts   Options
	log    zerolog.Logger
	srv    *server.Server
	peers  *peers.Collection
	sender *client.Sender

	mu       sync.Mutex
	hostPort string
	serveErr chan error
	closed   bool
}

// New creates a channel that can make calls right away and serves after Listen.
func New(opts Options) *Channel {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log := opts.Logger.With().Str("component", "channel").Logger()
	if opts.ServiceName != "" {
		log = log.With().Str("service", opts.ServiceName).Logger()
	}
	ch := &Channel{opts: opts, log: log, hostPort: opts.Transport.HostPort}

	ch.srv = server.NewServer(server.Options{
		Transport:    withOnClose(opts.Transport, ch.removePeer),
		Logger:       opts.Logger,
		OnConnection: ch.addPeer,
	})
	// Outbound connections serve calls from the peer too.
	outbound := opts.Transport
	outbound.Handler = ch.srv
	ch.peers = peers.New(opts.Dialer, outbound)

	ch.srv.Use(middleware.LoggingMiddleware(log))
	if opts.RateLimit > 0 {
		ch.srv.Use(middleware.RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}
	if opts.HandlerTimeout > 0 {
		ch.srv.Use(middleware.TimeOutMiddleware(opts.HandlerTimeout))
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if opts.MaxRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(opts.MaxRetries, opts.RetryBaseDelay, log))
	}
	ch.sender = client.NewSender(ch.peers, client.Options{
		CallerName:  opts.ServiceName,
		DefaultTTL:  opts.Transport.DefaultTTL,
		Middlewares: mws,
		Logger:      opts.Logger,
	})
	return ch
}

func (ch *Channel) addPeer(c *transport.Connection)    { ch.peers.Add(c) }
func (ch *Channel) removePeer(c *transport.Connection) { ch.peers.Remove(c) }

func withOnClose(opts transport.Options, fn func(*transport.Connection)) transport.Options {
	prev := opts.OnClose
	opts.OnClose = func(c *transport.Connection) {
		fn(c)
		if prev != nil {
			prev(c)
		}
	}
	return opts
}

// FromConfig builds a channel from a loaded configuration.
func FromConfig(cfg config.Config, logger zerolog.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topts, err := cfg.TransportOptions(logger)
	if err != nil {
		return nil, err
	}
	// The advertised address is fixed by Listen unless configured.
	topts.HostPort = cfg.HostPort
	return New(Options{
		ServiceName:    cfg.Service,
		Transport:      topts,
		Logger:         logger,
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryBaseDelay: cfg.Retry.BaseDelay.Duration,
		RateLimit:      cfg.RateLimit.Rate,
		RateBurst:      cfg.RateLimit.Burst,
	}), nil
}

// Listen binds addr and serves inbound connections in the background. Unless a HostPort
// was configured, the bound address becomes the advertised one.
func (ch *Channel) Listen(addr string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errors.New("channel: closed")
	}
	if ch.serveErr != nil {
		return errors.New("channel: already listening")
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("channel: listen %s: %w", addr, err)
	}
	if ch.hostPort == "" {
		ch.hostPort = l.Addr().String()
	}
	ch.peers.SetHostPort(ch.hostPort)

	ch.serveErr = make(chan error, 1)
	go func(errc chan<- error) {
		err := ch.srv.Serve(l)
		if err != nil {
			ch.log.Error().Err(err).Msg("serve stopped")
		}
		errc <- err
	}(ch.serveErr)
	ch.log.Info().Str("host_port", ch.hostPort).Msg("listening")
	return nil
}

// HostPort returns the advertised host:port, or "" before Listen.
func (ch *Channel) HostPort() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.hostPort
}

// Register exposes the methods of rcvr under service. See server.Server.Register.
func (ch *Channel) Register(service string, rcvr any) error {
	return ch.srv.Register(service, rcvr)
}

// Handle registers a raw handler for method on service.
func (ch *Channel) Handle(service, method string, h middleware.HandlerFunc) {
	ch.srv.Handle(service, method, h)
}

// Send performs one call.
func (ch *Channel) Send(ctx context.Context, so client.SendOptions) (*message.CallEnvelope, error) {
	return ch.sender.Send(ctx, so)
}

// CreateClient returns a client bound to service on host.
func (ch *Channel) CreateClient(service, host string, defaults message.CallOptions, methods map[string]message.CallOptions) *client.FastClient {
	return client.NewFastClient(ch.sender, host, service, defaults, methods)
}

// Peers returns the connection directory.
func (ch *Channel) Peers() *peers.Collection {
	return ch.peers
}

// Close stops accepting, waits for in-flight handlers up to ShutdownTimeout and closes
// every connection.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	serveErr := ch.serveErr
	ch.mu.Unlock()

	var err error
	if serveErr != nil {
		err = ch.srv.Shutdown(ch.opts.ShutdownTimeout)
		if serr := <-serveErr; serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return errors.Join(err, ch.peers.Close())
}
