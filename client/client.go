// Package client implements the outbound call path of a channel.
//
// Sender sends one call to a host:port, reusing the connection the peer directory holds
// for it. FastClient binds a host and service once and applies per-method defaults, which
// is what most callers want.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/codec"
	"mini-tchannel/message"
	"mini-tchannel/middleware"
	"mini-tchannel/peers"
)

// Options configure a Sender.
type Options struct {
	CallerName  string        // Sent in the "cn" header when the call carries none
	DefaultTTL  time.Duration // Used when neither the call nor ctx sets a deadline
	Middlewares []middleware.Middleware
	Logger      zerolog.Logger
}

// SendOptions describe one call.
type SendOptions struct {
	Host        string // host:port of the peer
	ServiceName string
	Arg1        []byte // Method name
	Arg2        []byte
	Arg3        []byte
	TTL         time.Duration
	Headers     map[string]string
}

type hostKey struct{}

// Sender sends calls through a peer directory.
type Sender struct {
	peers   *peers.Collection
	opts    Options
	log     zerolog.Logger
	handler middleware.HandlerFunc // middleware(...(roundTrip))
}

// NewSender creates a sender that dials through p.
func NewSender(p *peers.Collection, opts Options) *Sender {
	s := &Sender{
		peers: p,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "client").Logger(),
	}
	s.handler = middleware.Chain(opts.Middlewares...)(s.roundTrip)
	return s
}

// Send performs one call and waits for the response.
func (s *Sender) Send(ctx context.Context, so SendOptions) (*message.CallEnvelope, error) {
	if so.Host == "" {
		return nil, errors.New("client: host is required")
	}
	if so.ServiceName == "" {
		return nil, errors.New("client: service name is required")
	}
	headers := so.Headers
	if s.opts.CallerName != "" {
		if _, ok := headers[message.HeaderCallerName]; !ok {
			headers = message.CallOptions{Headers: map[string]string{message.HeaderCallerName: s.opts.CallerName}}.Merge(headers)
		}
	}
	ttl := so.TTL
	if _, ok := ctx.Deadline(); !ok && ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	env := &message.CallEnvelope{
		ServiceName: so.ServiceName,
		Headers:     headers,
		Arg1:        so.Arg1,
		Arg2:        so.Arg2,
		Arg3:        so.Arg3,
		TTL:         ttl,
	}
	return s.handler(context.WithValue(ctx, hostKey{}, so.Host), env)
}

// roundTrip sends a copy of env so that retries start from a clean envelope.
func (s *Sender) roundTrip(ctx context.Context, env *message.CallEnvelope) (*message.CallEnvelope, error) {
	host, _ := ctx.Value(hostKey{}).(string)
	conn, err := s.peers.Get(ctx, host)
	if err != nil {
		return nil, err
	}
	attempt := *env
	resp, err := conn.Call(ctx, &attempt)
	if err != nil {
		s.log.Debug().Err(err).Str("host", host).Str("service", env.ServiceName).Str("method", env.Method()).Msg("call failed")
	}
	return resp, err
}

// FastClient calls one service on one host with per-method defaults.
type FastClient struct {
	sender   *Sender
	host     string
	service  string
	defaults message.CallOptions
	methods  map[string]message.CallOptions
}

// NewFastClient binds sender to host and service. methods overrides defaults per arg1.
func NewFastClient(sender *Sender, host, service string, defaults message.CallOptions, methods map[string]message.CallOptions) *FastClient {
	return &FastClient{
		sender:   sender,
		host:     host,
		service:  service,
		defaults: defaults,
		methods:  methods,
	}
}

func (c *FastClient) options(method string) message.CallOptions {
	opts := c.defaults
	if m, ok := c.methods[method]; ok {
		if m.TTL > 0 {
			opts.TTL = m.TTL
		}
		opts.Headers = message.CallOptions{Headers: c.defaults.Headers}.Merge(m.Headers)
	}
	return opts
}

// Call sends method with raw arg2 and arg3.
func (c *FastClient) Call(ctx context.Context, method string, arg2, arg3 []byte) (*message.CallEnvelope, error) {
	return c.call(ctx, method, nil, arg2, arg3)
}

func (c *FastClient) call(ctx context.Context, method string, headers map[string]string, arg2, arg3 []byte) (*message.CallEnvelope, error) {
	opts := c.options(method)
	return c.sender.Send(ctx, SendOptions{
		Host:        c.host,
		ServiceName: c.service,
		Arg1:        []byte(method),
		Arg2:        arg2,
		Arg3:        arg3,
		TTL:         opts.TTL,
		Headers:     opts.Merge(headers),
	})
}

// CallJSON encodes args as JSON into arg3, sends method and decodes the response body
// into reply.
func (c *FastClient) CallJSON(ctx context.Context, method string, args, reply any) error {
	cdc, err := codec.GetCodec(codec.SchemeJSON)
	if err != nil {
		return err
	}
	body, err := cdc.Encode(args)
	if err != nil {
		return fmt.Errorf("client: encode %s args: %w", method, err)
	}
	resp, err := c.call(ctx, method, map[string]string{message.HeaderArgScheme: codec.SchemeJSON}, nil, body)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := cdc.Decode(resp.Arg3, reply); err != nil {
		return fmt.Errorf("client: decode %s reply: %w", method, err)
	}
	return nil
}
