// Package config loads and validates the YAML proxy configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"weft/internal/dialer"
)

type Config struct {
	Listen   string        `yaml:"listen"`
	Sniff    Sniff         `yaml:"sniff"`
	Timeouts Timeouts      `yaml:"timeouts"`
	Layers   Layers        `yaml:"layers"`
	Handlers Handlers      `yaml:"handlers"`
	Dialer   DialerConfig  `yaml:"dialer"`
	Metrics  Metrics       `yaml:"metrics"`
	Health   Health        `yaml:"health"`
}

// Sniff controls protocol detection on accepted connections.
type Sniff struct {
	Window  int    `yaml:"window"`
	Timeout string `yaml:"timeout"`
}

type Timeouts struct {
	// Connection bounds the whole lifetime of one connection. Empty or
	// "0" means unbounded.
	Connection string `yaml:"connection"`
	// Handshake bounds protocol handshakes inside the handlers.
	Handshake string `yaml:"handshake"`
}

// Layers toggles the middleware applied to every connection, outermost
// first: recover, access log, metrics, rate limit, timeout.
type Layers struct {
	AccessLog bool            `yaml:"access_log"`
	Metrics   bool            `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type RateLimitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "drop" | "pace"
	MaxBPS  int64  `yaml:"max_bps"`
	MaxCPS  int64  `yaml:"max_cps"`
	Burst   int64  `yaml:"burst"`
}

type Handlers struct {
	SOCKS5 SOCKS5Config `yaml:"socks5"`
	HTTP   HTTPConfig   `yaml:"http"`
	TLS    TLSRoute     `yaml:"tls"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

type SOCKS5Config struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TLSRoute selects what happens to sniffed TLS connections.
// Mode "passthrough" forwards to SNI-routed upstreams; mode "distort"
// dials the SNI origin directly with a split ClientHello.
type TLSRoute struct {
	Enabled  bool                `yaml:"enabled"`
	Mode     string              `yaml:"mode"`
	Routes   map[string][]string `yaml:"routes"`
	Default  []string            `yaml:"default"`
	Strategy string              `yaml:"strategy"`
	// Distort options.
	ChunkSize int    `yaml:"chunk_size"`
	Delay     string `yaml:"delay"`
	Port      int    `yaml:"port"`
}

type TunnelConfig struct {
	Enabled           bool   `yaml:"enabled"`
	KeepAliveInterval string `yaml:"keepalive_interval"`
	KeepAliveTimeout  string `yaml:"keepalive_timeout"`
	MaxReceiveBuffer  int    `yaml:"max_receive_buffer"`
	MaxStreamBuffer   int    `yaml:"max_stream_buffer"`
	// Compression wraps the carrier stream: "" | "lz4" | "zstd".
	Compression string `yaml:"compression"`
	// Inner names the handler streams are dispatched to: "socks5",
	// "http", or "sniff" for another round of protocol detection.
	Inner string `yaml:"inner"`
}

type DialerConfig struct {
	Timeout   string           `yaml:"timeout"`
	DNSServer string           `yaml:"dns_server"`
	ProxyURL  string           `yaml:"proxy_url"`
	TLS       dialer.TLSConfig `yaml:"tls"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Health struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":1080"
	}
	if c.Sniff.Window == 0 {
		c.Sniff.Window = 16
	}
	if c.Sniff.Timeout == "" {
		c.Sniff.Timeout = "5s"
	}
	if c.Timeouts.Handshake == "" {
		c.Timeouts.Handshake = "30s"
	}
	if c.Layers.RateLimit.Mode == "" {
		c.Layers.RateLimit.Mode = "drop"
	}
	if c.Handlers.TLS.Mode == "" {
		c.Handlers.TLS.Mode = "passthrough"
	}
	if c.Handlers.TLS.Strategy == "" {
		c.Handlers.TLS.Strategy = "round-robin"
	}
	if c.Handlers.Tunnel.Inner == "" {
		c.Handlers.Tunnel.Inner = "socks5"
	}
	if c.Dialer.Timeout == "" {
		c.Dialer.Timeout = "10s"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Health.Listen == "" {
		c.Health.Listen = "127.0.0.1:8889"
	}
}

func (c *Config) validate() error {
	var allErrors []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		allErrors = append(allErrors, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if c.Sniff.Window < 3 {
		allErrors = append(allErrors, fmt.Errorf("sniff.window must be at least 3 bytes, got %d", c.Sniff.Window))
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"sniff.timeout", c.Sniff.Timeout},
		{"timeouts.connection", c.Timeouts.Connection},
		{"timeouts.handshake", c.Timeouts.Handshake},
		{"dialer.timeout", c.Dialer.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			allErrors = append(allErrors, fmt.Errorf("%s %q: %w", d.name, d.value, err))
		}
	}

	if !c.Handlers.SOCKS5.Enabled && !c.Handlers.HTTP.Enabled &&
		!c.Handlers.TLS.Enabled && !c.Handlers.Tunnel.Enabled {
		allErrors = append(allErrors, fmt.Errorf("no handlers enabled"))
	}
	if c.Handlers.SOCKS5.Enabled {
		if (c.Handlers.SOCKS5.Username == "") != (c.Handlers.SOCKS5.Password == "") {
			allErrors = append(allErrors, fmt.Errorf("socks5 username and password must be set together"))
		}
	}
	if c.Handlers.TLS.Enabled {
		switch c.Handlers.TLS.Mode {
		case "passthrough":
			if len(c.Handlers.TLS.Routes) == 0 && len(c.Handlers.TLS.Default) == 0 {
				allErrors = append(allErrors, fmt.Errorf("tls passthrough needs routes or a default upstream set"))
			}
		case "distort":
		default:
			allErrors = append(allErrors, fmt.Errorf("tls.mode must be 'passthrough' or 'distort', got %q", c.Handlers.TLS.Mode))
		}
		if c.Handlers.TLS.Delay != "" {
			if _, err := time.ParseDuration(c.Handlers.TLS.Delay); err != nil {
				allErrors = append(allErrors, fmt.Errorf("tls.delay %q: %w", c.Handlers.TLS.Delay, err))
			}
		}
	}
	switch c.Handlers.Tunnel.Inner {
	case "socks5", "http", "sniff":
	default:
		allErrors = append(allErrors, fmt.Errorf("tunnel.inner must be 'socks5', 'http' or 'sniff', got %q", c.Handlers.Tunnel.Inner))
	}
	switch c.Handlers.Tunnel.Compression {
	case "", "lz4", "zstd":
	default:
		allErrors = append(allErrors, fmt.Errorf("tunnel.compression must be 'lz4' or 'zstd', got %q", c.Handlers.Tunnel.Compression))
	}

	switch c.Layers.RateLimit.Mode {
	case "drop", "pace":
	default:
		allErrors = append(allErrors, fmt.Errorf("ratelimit.mode must be 'drop' or 'pace', got %q", c.Layers.RateLimit.Mode))
	}

	if c.Dialer.ProxyURL != "" {
		u, err := url.Parse(c.Dialer.ProxyURL)
		if err != nil {
			allErrors = append(allErrors, fmt.Errorf("dialer.proxy_url %q: %w", c.Dialer.ProxyURL, err))
		} else if !strings.HasPrefix(u.Scheme, "socks") {
			allErrors = append(allErrors, fmt.Errorf("dialer.proxy_url scheme %q is not a SOCKS scheme", u.Scheme))
		}
	}
	if c.Dialer.DNSServer != "" {
		if _, _, err := net.SplitHostPort(c.Dialer.DNSServer); err != nil {
			allErrors = append(allErrors, fmt.Errorf("dialer.dns_server %q: %w", c.Dialer.DNSServer, err))
		}
	}

	return writeErr(allErrors)
}

// SniffTimeout returns the parsed sniff timeout.
func (c *Config) SniffTimeout() time.Duration {
	return parseDurationOr(c.Sniff.Timeout, 5*time.Second)
}

// ConnTimeout returns the parsed whole-connection timeout, zero when
// unbounded.
func (c *Config) ConnTimeout() time.Duration {
	return parseDurationOr(c.Timeouts.Connection, 0)
}

// HandshakeTimeout returns the parsed handshake timeout.
func (c *Config) HandshakeTimeout() time.Duration {
	return parseDurationOr(c.Timeouts.Handshake, 30*time.Second)
}

// DialTimeout returns the parsed upstream dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return parseDurationOr(c.Dialer.Timeout, 10*time.Second)
}

// DistortDelay returns the parsed inter-segment delay for distort mode.
func (c *Config) DistortDelay() time.Duration {
	return parseDurationOr(c.Handlers.TLS.Delay, 0)
}

// TunnelKeepAliveInterval returns the parsed smux keepalive interval.
func (c *Config) TunnelKeepAliveInterval() time.Duration {
	return parseDurationOr(c.Handlers.Tunnel.KeepAliveInterval, 0)
}

// TunnelKeepAliveTimeout returns the parsed smux keepalive timeout.
func (c *Config) TunnelKeepAliveTimeout() time.Duration {
	return parseDurationOr(c.Handlers.Tunnel.KeepAliveTimeout, 0)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	msgs := make([]string, len(allErrors))
	for i, err := range allErrors {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}
