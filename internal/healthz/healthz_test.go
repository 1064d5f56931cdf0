package healthz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"weft/internal/lb"
)

func TestAggregateStatus(t *testing.T) {
	h := New("")
	h.Register(CheckerFunc{NameVal: "ok", CheckFn: func(ctx context.Context) error { return nil }})

	res := h.RunChecks(context.Background())
	if res.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", res.Status)
	}

	h.Register(CheckerFunc{NameVal: "broken", CheckFn: func(ctx context.Context) error {
		return fmt.Errorf("backend gone")
	}})
	res = h.RunChecks(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", res.Status)
	}
	if len(res.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(res.Checks))
	}
}

func TestHTTPHandlerAuth(t *testing.T) {
	h := New("secret")
	h.Register(CheckerFunc{NameVal: "ok", CheckFn: func(ctx context.Context) error { return nil }})
	srv := httptest.NewServer(h.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with token", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != StatusHealthy {
		t.Fatalf("body status = %s, want healthy", result.Status)
	}
}

func TestDegradedStatus(t *testing.T) {
	h := New("")
	h.Register(CheckerFunc{NameVal: "ok", CheckFn: func(ctx context.Context) error { return nil }})
	h.Register(CheckerFunc{NameVal: "shrunk", CheckFn: func(ctx context.Context) error {
		return fmt.Errorf("%w: pool at half capacity", ErrDegraded)
	}})

	res := h.RunChecks(context.Background())
	if res.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", res.Status)
	}

	// Degraded keeps the endpoint answering 200.
	srv := httptest.NewServer(h.HTTPHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 while degraded", resp.StatusCode)
	}
}

func TestBalancerCheckPartialFailureIsDegraded(t *testing.T) {
	b, err := lb.New(lb.Config{Targets: []string{"10.0.0.1:443", "10.0.0.2:443"}})
	if err != nil {
		t.Fatalf("balancer: %v", err)
	}
	check := BalancerCheck("pool", b)

	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("healthy pool reported %v", err)
	}

	target := b.Pick("")
	b.Release(target, true)
	err = check.Check(context.Background())
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("one failing target reported %v, want degraded", err)
	}

	for _, tgt := range b.Targets() {
		if tgt.Failures() == 0 {
			b.Release(tgt, true)
		}
	}
	err = check.Check(context.Background())
	if err == nil || errors.Is(err, ErrDegraded) {
		t.Fatalf("fully failing pool reported %v, want unhealthy", err)
	}
}

func TestUnhealthyStatusCode(t *testing.T) {
	h := New("")
	h.Register(CheckerFunc{NameVal: "broken", CheckFn: func(ctx context.Context) error {
		return fmt.Errorf("down")
	}})
	srv := httptest.NewServer(h.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if err := TCPCheck("up", ln.Addr().String()).Check(context.Background()); err != nil {
		t.Fatalf("check against live listener: %v", err)
	}
	// Reserved TEST-NET-1 address, nothing listens there.
	down := TCPCheck("down", "192.0.2.1:9")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := down.Check(ctx); err == nil {
		t.Fatal("check against dead address succeeded")
	}
}
