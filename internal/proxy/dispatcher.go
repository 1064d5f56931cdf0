package proxy

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"weft/internal/flow"
	"weft/internal/rt"
)

// State is the per-connection dispatch state.
type State int

const (
	StateAccepted State = iota
	StateContextCreated
	StateDispatching
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateContextCreated:
		return "context-created"
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Outcome reports how one connection's dispatch ended.
type Outcome struct {
	State    State
	Result   *Result
	Err      error
	Duration time.Duration
}

// Dispatcher drives the composed stack for every accepted connection.
// Each connection is independent; the only shared state is the immutable
// Stack and Runtime references.
type Dispatcher struct {
	// Stack is the pre-built composed service invoked per connection.
	Stack Service
	// Runtime hosts the per-connection units of work.
	Runtime rt.Runtime
	// ConnDeadline optionally bounds a connection's total lifetime.
	// Zero means unbounded.
	ConnDeadline time.Duration
	// OnOutcome, if set, observes every finished connection.
	OnOutcome func(addr net.Addr, o Outcome)
}

// Serve accepts connections from ln until ctx is cancelled, spawning one
// unit of work per connection. Accept errors after cancellation are
// swallowed; transient accept errors are logged and retried.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	if d.Stack == nil {
		return errors.New("dispatcher: no stack configured")
	}
	runtime := d.runtime()

	runtime.Spawn(func() {
		<-ctx.Done()
		ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("dispatch: accept error: %v", err)
			continue
		}
		runtime.Spawn(func() {
			o := d.HandleConn(ctx, conn)
			if d.OnOutcome != nil {
				d.OnOutcome(conn.RemoteAddr(), o)
			}
		})
	}
}

// HandleConn runs the full state machine for one accepted connection:
// fresh Context, optional total deadline, stack invocation, guaranteed
// teardown. The connection is always closed before HandleConn returns,
// whatever the outcome.
func (d *Dispatcher) HandleConn(ctx context.Context, conn net.Conn) Outcome {
	start := time.Now()
	state := StateAccepted

	cx := flow.NewContextFrom(ctx, d.runtime())
	state = StateContextCreated
	flow.Set(cx, ClientAddr{Addr: conn.RemoteAddr()})

	var deadline time.Time
	if d.ConnDeadline > 0 {
		deadline = start.Add(d.ConnDeadline)
		cx.WithDeadline(deadline)
	}

	// Bind the cancellation signal to the transport so a hung read or
	// write cannot stall teardown: once cancelled, an immediate deadline
	// forces blocked I/O to return.
	stop := make(chan struct{})
	d.runtime().Spawn(func() {
		select {
		case <-cx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	})

	state = StateDispatching
	res, err := d.call(cx, &Request{Conn: NewPeekConn(conn)})

	close(stop)
	cx.Cancel()
	conn.Close()

	switch {
	case err == nil:
		state = StateCompleted
	case !deadline.IsZero() && !time.Now().Before(deadline):
		state = StateTimedOut
	case flow.IsCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		state = StateCancelled
	default:
		state = StateFailed
	}

	return Outcome{State: state, Result: res, Err: err, Duration: time.Since(start)}
}

// call invokes the stack with panic containment: one connection's panic
// becomes a failed outcome, never a process abort.
func (d *Dispatcher) call(cx *flow.Context, req *Request) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: connection handler panicked: %v", r)
			res = nil
			err = flow.Errorf(flow.KindHandler, "dispatch", "handler panic: %v", r)
		}
	}()
	return d.Stack.Call(cx, req)
}

func (d *Dispatcher) runtime() rt.Runtime {
	if d.Runtime != nil {
		return d.Runtime
	}
	return rt.Goroutine{}
}
