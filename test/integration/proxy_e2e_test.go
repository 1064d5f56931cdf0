package integration

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	netproxy "golang.org/x/net/proxy"

	"weft/internal/config"
	"weft/internal/server"
)

// TestFullStackFromConfigFile drives the proxy exactly the way the
// binary does: a YAML file on disk, the reloadable config layer, the
// assembled server, and a real SOCKS5 client on the other end.
func TestFullStackFromConfigFile(t *testing.T) {
	upstream := echoServer(t)
	listen := freePort(t)

	body := fmt.Sprintf(`
listen: %q
sniff:
  timeout: 2s
layers:
  access_log: true
  metrics: true
handlers:
  socks5:
    enabled: true
    username: itest
    password: swordfish
  http:
    enabled: true
dialer:
  timeout: 2s
`, listen)
	path := filepath.Join(t.TempDir(), "weft.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloader, err := config.NewReloadable(path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	defer reloader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.New(reloader.Get()).Start(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	}()
	waitListening(t, listen)

	auth := &netproxy.Auth{User: "itest", Password: "swordfish"}
	d, err := netproxy.SOCKS5("tcp", listen, auth, netproxy.Direct)
	if err != nil {
		t.Fatalf("socks5 dialer: %v", err)
	}
	conn, err := d.Dial("tcp", upstream)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	msg := []byte("full stack round trip")
	conn.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}

	// Wrong credentials are refused.
	bad, err := netproxy.SOCKS5("tcp", listen, &netproxy.Auth{User: "x", Password: "y"}, netproxy.Direct)
	if err != nil {
		t.Fatalf("socks5 dialer: %v", err)
	}
	if _, err := bad.Dial("tcp", upstream); err == nil {
		t.Fatal("dial with wrong credentials succeeded")
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never listened on %s", addr)
}
