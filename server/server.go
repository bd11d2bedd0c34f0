// Package server implements the inbound side of a channel: a handler registry keyed by
// service and method, a middleware chain, the accept loop and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Accept (handshake, then one loop goroutine per connection)
//	  → for each assembled request: handler goroutine with ctx deadline = TTL
//	    → Middleware Chain → dispatch("service::method") → handler → response frames
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/codec"
	"mini-tchannel/message"
	"mini-tchannel/middleware"
	"mini-tchannel/protocol"
	"mini-tchannel/transport"
)

// Options configure a Server.
type Options struct {
	// Transport is applied to every accepted connection. Its Handler is replaced by the
	// server and OnClose is chained. An empty HostPort advertises the listener address.
	Transport transport.Options
	Logger    zerolog.Logger
	// OnConnection is called for every connection that completes the handshake.
	OnConnection func(*transport.Connection)
}

// Server routes inbound calls to registered handlers.
type Server struct {
	opts        Options
	log         zerolog.Logger
	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc // "service::method" → handler
	middlewares []middleware.Middleware           // Applied in the order they are added
	handler     middleware.HandlerFunc            // middleware(middleware(...(dispatch)))

	listener net.Listener
	conns    map[uint64]*transport.Connection
	wg       sync.WaitGroup // Tracks in-flight calls for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
}

// NewServer creates a server with no handlers.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "server").Logger(),
		handlers: make(map[string]middleware.HandlerFunc),
		conns:    make(map[uint64]*transport.Connection),
	}
	s.handler = s.dispatch
	return s
}

func handlerKey(service, method string) string {
	return service + "::" + method
}

// Handle registers h for calls to method on service, replacing any previous handler.
func (s *Server) Handle(service, method string, h middleware.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey(service, method)] = h
}

// Register exposes every method of rcvr that matches the RPC signature under service,
// as "Type.Method". Arguments travel in arg3 using the call's arg scheme, JSON by default.
func (s *Server) Register(service string, rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for name, mt := range svc.method {
		s.Handle(service, svc.name+"."+name, svc.handler(mt))
	}
	return nil
}

// Use registers a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

// HandleCall implements transport.Handler.
func (s *Server) HandleCall(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	// The flag is set under s.mu, so every Add is ordered before Shutdown's Wait.
	s.mu.RLock()
	if s.shutdown.Load() {
		s.mu.RUnlock()
		return nil, protocol.NewApplicationError(protocol.ErrCodeDeclined, "server shutting down")
	}
	s.wg.Add(1)
	h := s.handler
	s.mu.RUnlock()
	defer s.wg.Done()
	return h(ctx, call)
}

func (s *Server) dispatch(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	s.mu.RLock()
	h, ok := s.handlers[handlerKey(call.ServiceName, call.Method())]
	s.mu.RUnlock()
	if !ok {
		return nil, protocol.NewApplicationError(protocol.ErrCodeBadRequest, "no handler for %s", handlerKey(call.ServiceName, call.Method()))
	}
	return h(ctx, call)
}

// handler adapts a reflected method to a HandlerFunc.
func (svc *service) handler(mt *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
		scheme := call.Headers[message.HeaderArgScheme]
		if scheme == "" {
			scheme = codec.SchemeJSON
		}
		cdc, err := codec.GetCodec(scheme)
		if err != nil {
			return nil, protocol.NewApplicationError(protocol.ErrCodeBadRequest, "%v", err)
		}

		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if err := cdc.Decode(call.Arg3, argv.Interface()); err != nil {
			return nil, protocol.NewApplicationError(protocol.ErrCodeBadRequest, "decode %s args: %v", call.Method(), err)
		}
		if err := svc.Call(ctx, mt, argv, replyv); err != nil {
			return nil, err
		}
		body, err := cdc.Encode(replyv.Interface())
		if err != nil {
			return nil, fmt.Errorf("encode %s reply: %w", call.Method(), err)
		}
		resp := call.Reply(nil, body)
		if resp.Headers == nil {
			resp.Headers = map[string]string{message.HeaderArgScheme: scheme}
		}
		return resp, nil
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. Each connection handshakes and then
// serves calls on its own goroutines.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.Info().Str("addr", l.Addr().String()).Msg("serving")

	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(nc net.Conn) {
	opts := s.opts.Transport
	opts.Handler = s
	if opts.HostPort == "" {
		if addr := s.Addr(); addr != nil {
			opts.HostPort = addr.String()
		}
	}
	onClose := opts.OnClose
	opts.OnClose = func(c *transport.Connection) {
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
		if onClose != nil {
			onClose(c)
		}
	}

	c, err := transport.Accept(context.Background(), nc, opts)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("handshake failed")
		return
	}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()

	if s.opts.OnConnection != nil {
		s.opts.OnConnection(c)
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so Accept errors are expected and new calls are declined
//  2. Close the listener
//  3. Wait for in-flight calls to finish and their responses to be written, up to timeout
//  4. Close every accepted connection
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	l := s.listener
	conns := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		for _, c := range conns {
			c.WaitInbound(ctx)
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("server: timeout waiting for in-flight calls to finish")
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}
