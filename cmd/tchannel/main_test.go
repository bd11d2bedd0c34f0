package main

import (
	"bytes"
	"strings"
	"testing"

	"mini-tchannel/channel"
	"mini-tchannel/testutil/testlog"
)

func TestCallAgainstEchoServer(t *testing.T) {
	ch := channel.New(channel.Options{ServiceName: "demo", Logger: testlog.New(t)})
	ch.Handle("demo", "echo", echo)
	ch.Handle("demo", "ping", ping)
	if err := ch.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ch.Close()

	var out bytes.Buffer
	err := run([]string{"call", "-host", ch.HostPort(), "-service", "demo", "-method", "echo",
		"-arg2", "meta", "-arg3", "hello", "-header", "k=v"}, &out)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := out.String(); got != "arg2: meta\nhello\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	out.Reset()
	if err := run([]string{"call", "-host", ch.HostPort(), "-service", "demo", "-method", "ping"}, &out); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if out.String() != "pong\n" {
		t.Fatalf("unexpected ping output: %q", out.String())
	}
}

func TestCallRequiresTarget(t *testing.T) {
	err := run([]string{"call", "-service", "demo"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected missing flag error, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := run(nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestHeaderFlags(t *testing.T) {
	h := headerFlags{}
	if err := h.Set("b=2"); err != nil {
		t.Fatal(err)
	}
	if err := h.Set("a=x=y"); err != nil {
		t.Fatal(err)
	}
	if err := h.Set("novalue"); err == nil {
		t.Fatalf("expected error for malformed header")
	}
	if h.String() != "a=x=y,b=2" {
		t.Fatalf("unexpected headers: %s", h.String())
	}
}
