package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
listen: "127.0.0.1:1080"
handlers:
  socks5:
    enabled: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sniff.Window != 16 {
		t.Errorf("sniff window = %d, want 16", cfg.Sniff.Window)
	}
	if cfg.SniffTimeout() != 5*time.Second {
		t.Errorf("sniff timeout = %v, want 5s", cfg.SniffTimeout())
	}
	if cfg.HandshakeTimeout() != 30*time.Second {
		t.Errorf("handshake timeout = %v, want 30s", cfg.HandshakeTimeout())
	}
	if cfg.ConnTimeout() != 0 {
		t.Errorf("conn timeout = %v, want unbounded", cfg.ConnTimeout())
	}
	if cfg.Handlers.TLS.Mode != "passthrough" {
		t.Errorf("tls mode = %q, want passthrough", cfg.Handlers.TLS.Mode)
	}
	if cfg.Layers.RateLimit.Mode != "drop" {
		t.Errorf("ratelimit mode = %q, want drop", cfg.Layers.RateLimit.Mode)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: "0.0.0.0:8443"
sniff:
  window: 24
  timeout: 2s
timeouts:
  connection: 5m
  handshake: 10s
layers:
  access_log: true
  metrics: true
  ratelimit:
    enabled: true
    mode: pace
    max_bps: 1048576
handlers:
  socks5:
    enabled: true
    username: u
    password: p
  http:
    enabled: true
  tls:
    enabled: true
    mode: passthrough
    routes:
      "a.example.com": ["10.0.0.1:443", "10.0.0.2:443"]
    default: ["10.0.0.3:443"]
    strategy: least-conn
dialer:
  dns_server: "1.1.1.1:53"
  tls:
    enabled: true
    fingerprint: chrome
metrics:
  enabled: true
  listen: "127.0.0.1:9100"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnTimeout() != 5*time.Minute {
		t.Errorf("conn timeout = %v, want 5m", cfg.ConnTimeout())
	}
	if got := cfg.Handlers.TLS.Routes["a.example.com"]; len(got) != 2 {
		t.Errorf("routes = %v, want two targets", got)
	}
	if !cfg.Layers.RateLimit.Enabled || cfg.Layers.RateLimit.Mode != "pace" {
		t.Error("ratelimit not parsed")
	}
	if !cfg.Dialer.TLS.Enabled || cfg.Dialer.TLS.Fingerprint != "chrome" {
		t.Error("dialer tls not parsed")
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no handlers", `listen: ":1080"`, "no handlers enabled"},
		{"bad listen", `
listen: "nonsense"
handlers:
  http:
    enabled: true
`, "listen"},
		{"half credentials", `
listen: ":1080"
handlers:
  socks5:
    enabled: true
    username: u
`, "username and password"},
		{"bad tls mode", `
listen: ":1080"
handlers:
  tls:
    enabled: true
    mode: terminate
`, "tls.mode"},
		{"passthrough without routes", `
listen: ":1080"
handlers:
  tls:
    enabled: true
    mode: passthrough
`, "routes or a default"},
		{"bad duration", `
listen: ":1080"
timeouts:
  handshake: soon
handlers:
  http:
    enabled: true
`, "timeouts.handshake"},
		{"bad proxy scheme", `
listen: ":1080"
handlers:
  http:
    enabled: true
dialer:
  proxy_url: "http://127.0.0.1:8080"
`, "SOCKS scheme"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestReloadSwapsConfig(t *testing.T) {
	path := writeConfig(t, minimal)
	r, err := NewReloadable(path)
	if err != nil {
		t.Fatalf("reloadable: %v", err)
	}
	defer r.Close()

	notified := make(chan struct{}, 1)
	r.Watch(func(old, new *Config) {
		notified <- struct{}{}
	})

	updated := strings.Replace(minimal, "socks5", "http", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !r.Get().Handlers.HTTP.Enabled {
		t.Fatal("reloaded config not visible through Get")
	}
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("watcher callback never ran")
	}
}

func TestReloadRejectsListenChange(t *testing.T) {
	path := writeConfig(t, minimal)
	r, err := NewReloadable(path)
	if err != nil {
		t.Fatalf("reloadable: %v", err)
	}
	defer r.Close()

	changed := strings.Replace(minimal, "127.0.0.1:1080", "127.0.0.1:9999", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected the listen change to be rejected")
	}
	if r.Get().Listen != "127.0.0.1:1080" {
		t.Fatal("rejected reload still replaced the config")
	}
}
