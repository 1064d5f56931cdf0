package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"weft/internal/flow"
	"weft/internal/rt"
)

// echoStack reads one line-sized chunk and writes it back.
func echoStack() Service {
	return ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		buf := make([]byte, 64)
		n, err := req.Conn.Read(buf)
		if err != nil {
			return nil, flow.E(flow.KindTransport, "echo", err)
		}
		if _, err := req.Conn.Write(buf[:n]); err != nil {
			return nil, flow.E(flow.KindTransport, "echo", err)
		}
		return &Result{Protocol: "echo", BytesIn: int64(n), BytesOut: int64(n)}, nil
	})
}

func TestHandleConnCompleted(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	d := &Dispatcher{Stack: echoStack(), Runtime: rt.Goroutine{}}

	done := make(chan Outcome, 1)
	go func() {
		done <- d.HandleConn(context.Background(), server)
	}()

	client.Write([]byte("PING"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("echo read failed: %v", err)
	}
	if string(buf) != "PING" {
		t.Errorf("echoed %q", buf)
	}

	o := <-done
	if o.State != StateCompleted {
		t.Errorf("state = %s, want completed", o.State)
	}
	if o.Result == nil || o.Result.BytesIn != 4 {
		t.Errorf("result = %+v", o.Result)
	}

	// Teardown: the connection must be closed.
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Error("connection still open after dispatch completed")
	}
}

func TestHandleConnDeadlineTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	slow := ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		if err := cx.Runtime().Sleep(cx.StdContext(), 100*time.Millisecond); err != nil {
			return nil, flow.Cancelled("slow-echo")
		}
		return &Result{}, nil
	})

	d := &Dispatcher{Stack: slow, Runtime: rt.Goroutine{}, ConnDeadline: 50 * time.Millisecond}
	o := d.HandleConn(context.Background(), server)

	if o.State != StateTimedOut {
		t.Errorf("state = %s, want timed-out", o.State)
	}
	if o.Err == nil || !flow.IsCancelled(o.Err) {
		t.Errorf("expected cancellation error, got %v", o.Err)
	}
	if o.Result != nil {
		t.Errorf("no response must be delivered on timeout, got %+v", o.Result)
	}
}

func TestHandleConnFailed(t *testing.T) {
	_, server := net.Pipe()

	boom := ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		return nil, flow.Errorf(flow.KindTransport, "stack", "connection reset")
	})

	d := &Dispatcher{Stack: boom}
	o := d.HandleConn(context.Background(), server)
	if o.State != StateFailed {
		t.Errorf("state = %s, want failed", o.State)
	}
}

func TestHandleConnCancelled(t *testing.T) {
	_, server := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	waiting := ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		<-cx.Done()
		return nil, flow.Cancelled("stack")
	})

	d := &Dispatcher{Stack: waiting}
	done := make(chan Outcome, 1)
	go func() { done <- d.HandleConn(ctx, server) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	o := <-done
	if o.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", o.State)
	}
}

func TestHandleConnContainsPanic(t *testing.T) {
	_, server := net.Pipe()

	panicky := ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		panic("handler bug")
	})

	d := &Dispatcher{Stack: panicky}
	o := d.HandleConn(context.Background(), server)
	if o.State != StateFailed {
		t.Errorf("state = %s, want failed", o.State)
	}
	if o.Err == nil {
		t.Error("panic not surfaced as an error")
	}
}

func TestHandleConnCancellationUnblocksRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	blocked := ServiceFunc(func(cx *flow.Context, req *Request) (*Result, error) {
		buf := make([]byte, 1)
		_, err := req.Conn.Read(buf) // client never writes
		if err != nil {
			return nil, flow.E(flow.KindTransport, "read", err)
		}
		return &Result{}, nil
	})

	d := &Dispatcher{Stack: blocked, ConnDeadline: 50 * time.Millisecond}
	done := make(chan Outcome, 1)
	go func() { done <- d.HandleConn(context.Background(), server) }()

	select {
	case o := <-done:
		if o.State != StateTimedOut && o.State != StateFailed {
			t.Errorf("state = %s", o.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hung read stalled teardown past the connection deadline")
	}
}

func TestServeIsolatesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	outcomes := make(map[State]int)

	d := &Dispatcher{
		Stack: echoStack(),
		OnOutcome: func(addr net.Addr, o Outcome) {
			mu.Lock()
			outcomes[o.State]++
			mu.Unlock()
		},
	}
	go d.Serve(ctx, ln)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			if fail {
				// Close without writing: the stack's read fails for
				// this connection only.
				return
			}
			conn.Write([]byte("PING"))
			buf := make([]byte, 4)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.ReadFull(conn, buf); err != nil {
				t.Errorf("echo read: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, n := range outcomes {
			total += n
		}
		mu.Unlock()
		if total == 8 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if outcomes[StateCompleted] != 4 {
		t.Errorf("completed = %d, want 4 (outcomes: %v)", outcomes[StateCompleted], outcomes)
	}
	// Failed connections must not have disturbed the successful ones.
	if outcomes[StateCompleted]+outcomes[StateFailed] != 8 {
		t.Errorf("unexpected outcome mix: %v", outcomes)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{Stack: echoStack()}

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
