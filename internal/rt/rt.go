// Package rt defines the minimal execution-substrate capabilities the
// pipeline engine depends on: spawning independent units of work, timed
// suspension, and byte-stream I/O. Exactly one Runtime implementation is
// injected at startup; core packages never reference a concrete substrate.
package rt

import (
	"context"
	"io"
	"log"
	"net"
	"time"
)

// Stream is the byte-stream transport capability. Any net.Conn satisfies
// it. Deadlines double as the externally-driven abort for hung reads and
// writes: cancelling an operation sets an immediate deadline so a blocked
// I/O call returns instead of stalling teardown.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Runtime is the capability set a hosting substrate must provide.
type Runtime interface {
	// Spawn schedules task to run independently. It never blocks the
	// caller; the task begins no earlier than the Spawn call itself.
	Spawn(task func())

	// Sleep suspends until d elapses or ctx is cancelled, returning
	// ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Goroutine is the stock Runtime backed by goroutines and timers.
type Goroutine struct{}

// Spawn runs task on its own goroutine. A panicking task is contained and
// logged so one unit of work cannot take down the process.
func (Goroutine) Spawn(task func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("rt: spawned task panicked: %v", r)
			}
		}()
		task()
	}()
}

// Sleep waits for d or for ctx cancellation, whichever comes first.
func (Goroutine) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
