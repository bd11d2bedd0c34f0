package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mini-tchannel/message"
	"mini-tchannel/middleware"
	"mini-tchannel/protocol"
	"mini-tchannel/testutil/testlog"
	"mini-tchannel/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return protocol.NewApplicationError(protocol.ErrCodeBadRequest, "divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Sleep blocks until the call context ends.
func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(args.A) * time.Millisecond):
		return nil
	}
}

func (a *Arith) notExported(args *Args, reply *Reply) error { return nil }

func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go svr.Serve(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *transport.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, nil, addr, transport.Options{Logger: testlog.New(t)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func jsonCall(method string, args any) *message.CallEnvelope {
	body, _ := json.Marshal(args)
	return &message.CallEnvelope{
		ServiceName: "arith",
		Headers:     map[string]string{message.HeaderArgScheme: "json"},
		Arg1:        []byte(method),
		Arg3:        body,
		TTL:         time.Second,
	}
}

func TestNewServiceRejectsBadReceivers(t *testing.T) {
	if _, err := NewService(Arith{}); err == nil {
		t.Fatalf("expected error for non-pointer receiver")
	}
	if _, err := NewService(new(int)); err == nil {
		t.Fatalf("expected error for pointer to non-struct")
	}
	svc, err := NewService(&Arith{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	for _, name := range []string{"Add", "Div", "Sleep"} {
		if _, ok := svc.method[name]; !ok {
			t.Errorf("method %s not registered", name)
		}
	}
	if _, ok := svc.method["notExported"]; ok {
		t.Errorf("unexported method registered")
	}
	if !svc.method["Div"].takesCtx || svc.method["Add"].takesCtx {
		t.Errorf("context detection wrong")
	}
}

func TestServer(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	if err := svr.Register("arith", &Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	conn := dial(t, startServer(t, svr))

	resp, err := conn.Call(context.Background(), jsonCall("Arith.Add", &Args{1, 2}))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var reply Reply
	if err := json.Unmarshal(resp.Arg3, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}
	if resp.Headers[message.HeaderArgScheme] != "json" {
		t.Errorf("arg scheme not echoed: %v", resp.Headers)
	}

	t.Logf("Pass the server test!")
}

func TestServerErrors(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	if err := svr.Register("arith", &Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	conn := dial(t, startServer(t, svr))

	tests := []struct {
		name string
		env  *message.CallEnvelope
		code protocol.ErrorCode
	}{
		{"unknown method", jsonCall("Arith.Mul", &Args{1, 2}), protocol.ErrCodeBadRequest},
		{"app error", jsonCall("Arith.Div", &Args{1, 0}), protocol.ErrCodeBadRequest},
		{"bad args", &message.CallEnvelope{ServiceName: "arith", Arg1: []byte("Arith.Add"), Arg3: []byte("{"), TTL: time.Second}, protocol.ErrCodeBadRequest},
		{"ttl exceeded", func() *message.CallEnvelope {
			env := jsonCall("Arith.Sleep", &Args{A: 1000})
			env.TTL = 30 * time.Millisecond
			return env
		}(), protocol.ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.Call(context.Background(), tt.env)
			var appErr *protocol.ApplicationError
			if tt.code == protocol.ErrCodeTimeout && errors.Is(err, protocol.ErrTimeout) {
				return // the caller's own TTL may fire first
			}
			if !errors.As(err, &appErr) {
				t.Fatalf("expected application error, got %v", err)
			}
			if appErr.Code != tt.code {
				t.Fatalf("code = %v, want %v (%s)", appErr.Code, tt.code, appErr.Message)
			}
		})
	}
}

func TestHandleAndMiddleware(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	svr.Handle("echo", "echo", func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
		return req.Reply(req.Arg2, req.Arg3), nil
	})
	var seen []string
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
			seen = append(seen, req.ServiceName+"::"+req.Method())
			return next(ctx, req)
		}
	})
	svr.Use(middleware.RateLimitMiddleware(0, 1))

	call := &message.CallEnvelope{ServiceName: "echo", Arg1: []byte("echo"), Arg3: []byte("hi")}
	resp, err := svr.HandleCall(context.Background(), call)
	if err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if string(resp.Arg3) != "hi" {
		t.Fatalf("got %q", resp.Arg3)
	}

	// The bucket holds one token and never refills.
	_, err = svr.HandleCall(context.Background(), call)
	var appErr *protocol.ApplicationError
	if !errors.As(err, &appErr) || appErr.Code != protocol.ErrCodeBusy {
		t.Fatalf("expected busy, got %v", err)
	}
	if len(seen) != 2 || seen[0] != "echo::echo" {
		t.Fatalf("middleware saw %v", seen)
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	if err := svr.Register("arith", &Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	addr := startServer(t, svr)
	conn := dial(t, addr)

	call, err := conn.Send(context.Background(), jsonCall("Arith.Sleep", &Args{A: 100}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res := <-call.Done()
	if res.Err != nil {
		t.Fatalf("in-flight call should complete, got %v", res.Err)
	}

	if _, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting after Shutdown")
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not close the connection")
	}
}

// Calls arriving while Shutdown runs are either served and waited for, or declined.
func TestShutdownRacesIncomingCalls(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	if err := svr.Register("arith", &Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}

	var served, declined atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svr.HandleCall(context.Background(), jsonCall("Arith.Add", &Args{1, 2}))
			var appErr *protocol.ApplicationError
			switch {
			case err == nil:
				served.Add(1)
			case errors.As(err, &appErr) && appErr.Code == protocol.ErrCodeDeclined:
				declined.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()
	if got := served.Load() + declined.Load(); got != 32 {
		t.Fatalf("served %d + declined %d, want 32 calls accounted for", served.Load(), declined.Load())
	}

	if _, err := svr.HandleCall(context.Background(), jsonCall("Arith.Add", &Args{1, 2})); err == nil {
		t.Fatalf("call after Shutdown should be declined")
	}
}

func TestShutdownTimeout(t *testing.T) {
	svr := NewServer(Options{Logger: testlog.New(t)})
	if err := svr.Register("arith", &Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	conn := dial(t, startServer(t, svr))

	if _, err := conn.Send(context.Background(), jsonCall("Arith.Sleep", &Args{A: 500})); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := svr.Shutdown(10 * time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}
