// Command tchannel runs a demo endpoint or makes a single call.
//
//	tchannel serve -config tchannel.toml
//	tchannel call -host 127.0.0.1:4040 -service tchannel -method echo -arg3 hello
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/channel"
	"mini-tchannel/client"
	"mini-tchannel/codec"
	"mini-tchannel/config"
	"mini-tchannel/logging"
	"mini-tchannel/message"
)

const usage = `usage: tchannel <command> [flags]

commands:
  serve   listen and answer echo, ping and Health.Check calls
  call    send one call and print the response
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "tchannel: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}
	switch args[0] {
	case "serve":
		return serve(args[1:])
	case "call":
		return call(args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", args[0], usage)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

type HealthArgs struct{}

type HealthReply struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// Health answers Health.Check.
type Health struct {
	started time.Time
}

func (h *Health) Check(args *HealthArgs, reply *HealthReply) error {
	reply.Status = "ok"
	reply.Uptime = time.Since(h.started).Round(time.Second).String()
	return nil
}

func echo(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	return call.Reply(call.Arg2, call.Arg3), nil
}

func ping(ctx context.Context, call *message.CallEnvelope) (*message.CallEnvelope, error) {
	return call.Reply(nil, []byte("pong")), nil
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	listen := fs.String("listen", "", "listen address, overrides the config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logger, err := logging.New(withApp(cfg.Log, "tchannel"))
	if err != nil {
		return err
	}

	ch, err := channel.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	ch.Handle(cfg.Service, "echo", echo)
	ch.Handle(cfg.Service, "ping", ping)
	if err := ch.Register(cfg.Service, &Health{started: time.Now()}); err != nil {
		return err
	}
	if err := ch.Listen(cfg.Listen); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return ch.Close()
}

// headerFlags collects repeated -header key=value flags.
type headerFlags map[string]string

func (h headerFlags) String() string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + h[k]
	}
	return strings.Join(parts, ",")
}

func (h headerFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("header %q is not key=value", v)
	}
	h[k] = val
	return nil
}

func call(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	host := fs.String("host", "", "host:port to call")
	service := fs.String("service", "", "service name")
	method := fs.String("method", "", "method name (arg1)")
	arg2 := fs.String("arg2", "", "application headers")
	arg3 := fs.String("arg3", "", "body")
	asJSON := fs.Bool("json", false, "mark arg3 as JSON")
	ttl := fs.Duration("ttl", 0, "call TTL, default from the config")
	headers := headerFlags{}
	fs.Var(headers, "header", "transport header key=value, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" || *service == "" || *method == "" {
		return errors.New("call: -host, -service and -method are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// Log to stderr so stdout carries only the response.
	logOpts := withApp(cfg.Log, "tchannel")
	logOpts.Out = os.Stderr
	if logOpts.Level == "" || logOpts.Level == "info" {
		logOpts.Level = zerolog.WarnLevel.String()
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return err
	}
	ch, err := channel.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	if *asJSON {
		headers[message.HeaderArgScheme] = codec.SchemeJSON
	}
	if *ttl <= 0 {
		*ttl = cfg.Transport.DefaultTTL.Duration
	}
	resp, err := ch.Send(context.Background(), client.SendOptions{
		Host:        *host,
		ServiceName: *service,
		Arg1:        []byte(*method),
		Arg2:        []byte(*arg2),
		Arg3:        []byte(*arg3),
		TTL:         *ttl,
		Headers:     headers,
	})
	if err != nil {
		return err
	}
	printResponse(stdout, resp)
	return nil
}

func printResponse(w io.Writer, resp *message.CallEnvelope) {
	if len(resp.Arg2) > 0 {
		fmt.Fprintf(w, "arg2: %s\n", resp.Arg2)
	}
	fmt.Fprintf(w, "%s\n", resp.Arg3)
}

func withApp(opts logging.Options, app string) logging.Options {
	if opts.App == "" {
		opts.App = app
	}
	return opts
}
