// Package config loads channel settings from TOML.
//
//	service = "echo"
//	listen = "127.0.0.1:4040"
//
//	[log]
//	level = "debug"
//	pretty = true
//
//	[transport]
//	checksum = "crc32c"
//	handshake_timeout = "2s"
//	keepalive_interval = "30s"
//
//	[retry]
//	max_retries = 2
//	base_delay = "50ms"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"mini-tchannel/logging"
	"mini-tchannel/protocol"
	"mini-tchannel/transport"
)

// Duration is a time.Duration written as a Go duration string, e.g. "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Service     string          `toml:"service"`
	Listen      string          `toml:"listen"`    // Accept address, e.g. "0.0.0.0:4040"
	HostPort    string          `toml:"host_port"` // Advertised address; default the listen address
	ProcessName string          `toml:"process_name"`
	Log         logging.Options `toml:"log"`
	Transport   TransportConfig `toml:"transport"`
	Retry       RetryConfig     `toml:"retry"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
}

type TransportConfig struct {
	MaxFrameSize      int      `toml:"max_frame_size"`
	MaxCallSize       int      `toml:"max_call_size"`
	Checksum          string   `toml:"checksum"` // none, crc32, crc32c, blake3
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	SweepInterval     Duration `toml:"sweep_interval"`
	KeepAliveInterval Duration `toml:"keepalive_interval"`
	DefaultTTL        Duration `toml:"default_ttl"`
}

type RetryConfig struct {
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
}

// RateLimitConfig bounds inbound calls per second. A zero rate disables limiting.
type RateLimitConfig struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Service: "tchannel",
		Listen:  "127.0.0.1:4040",
		Log:     logging.Options{Level: "info"},
		Transport: TransportConfig{
			MaxFrameSize:     protocol.MaxFrameSize,
			MaxCallSize:      16 << 20,
			Checksum:         "crc32c",
			HandshakeTimeout: Duration{5 * time.Second},
			SweepInterval:    Duration{100 * time.Millisecond},
			DefaultTTL:       Duration{time.Second},
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  Duration{50 * time.Millisecond},
		},
	}
}

// Load reads path on top of Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service) == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if c.Transport.MaxFrameSize < protocol.HeaderSize+64 || c.Transport.MaxFrameSize > protocol.MaxFrameSize {
		errs = append(errs, fmt.Errorf("transport.max_frame_size %d out of range [%d, %d]",
			c.Transport.MaxFrameSize, protocol.HeaderSize+64, protocol.MaxFrameSize))
	}
	if c.Transport.MaxCallSize <= 0 {
		errs = append(errs, errors.New("transport.max_call_size must be positive"))
	}
	if _, err := protocol.ParseChecksumType(c.Transport.Checksum); err != nil {
		errs = append(errs, fmt.Errorf("transport.checksum: %w", err))
	}
	for name, d := range map[string]Duration{
		"transport.handshake_timeout":  c.Transport.HandshakeTimeout,
		"transport.sweep_interval":     c.Transport.SweepInterval,
		"transport.keepalive_interval": c.Transport.KeepAliveInterval,
		"transport.default_ttl":        c.Transport.DefaultTTL,
		"retry.base_delay":             c.Retry.BaseDelay,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be set when rate is"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TransportOptions converts the transport section for a connection.
func (c Config) TransportOptions(logger zerolog.Logger) (transport.Options, error) {
	sum, err := protocol.ParseChecksumType(c.Transport.Checksum)
	if err != nil {
		return transport.Options{}, err
	}
	hostPort := c.HostPort
	if hostPort == "" {
		hostPort = c.Listen
	}
	return transport.Options{
		MaxFrameSize:      c.Transport.MaxFrameSize,
		MaxCallSize:       c.Transport.MaxCallSize,
		Checksum:          sum,
		HandshakeTimeout:  c.Transport.HandshakeTimeout.Duration,
		SweepInterval:     c.Transport.SweepInterval.Duration,
		KeepAliveInterval: c.Transport.KeepAliveInterval.Duration,
		DefaultTTL:        c.Transport.DefaultTTL.Duration,
		HostPort:          hostPort,
		ProcessName:       c.ProcessName,
		Logger:            logger,
	}, nil
}
