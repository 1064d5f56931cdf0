// Package flow is the composition engine: Services are async units of
// work, Layers wrap Services to add behavior, and a Stack nests Layers
// around a terminal Service. A Context travels with every call carrying
// type-indexed state and an advisory cancellation signal. The engine is
// substrate-agnostic; it touches the execution environment only through
// rt.Runtime.
package flow

import (
	"context"
	"reflect"
	"sync"
	"time"

	"weft/internal/rt"
)

// Context is the per-operation state carrier threaded through a stack
// invocation. It belongs to the single in-flight operation it accompanies
// and must not be retained beyond the call that received it. The store is
// internally synchronized: a layer that abandons a timed-out call can
// leave the inner goroutine running briefly, and its stores must not
// corrupt the caller's reads.
//
// Cancellation is cooperative: Cancel marks the Context and layers observe
// the mark at suspension points. Nothing is forcibly interrupted.
type Context struct {
	ctx     context.Context
	cancel  context.CancelFunc
	runtime rt.Runtime

	mu    sync.Mutex
	store map[reflect.Type]any
}

// NewContext creates an empty Context bound to a Runtime with a fresh
// cancellation signal.
func NewContext(runtime rt.Runtime) *Context {
	return NewContextFrom(context.Background(), runtime)
}

// NewContextFrom creates a Context whose cancellation also follows parent.
func NewContextFrom(parent context.Context, runtime rt.Runtime) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ctx:     ctx,
		cancel:  cancel,
		runtime: runtime,
		store:   make(map[reflect.Type]any),
	}
}

// WithDeadline arms an absolute deadline. When it passes the Context
// observes cancellation exactly as if Cancel had been called. The
// previous cancel is chained so Cancel releases every context node this
// Context created, not just the innermost one.
func (c *Context) WithDeadline(t time.Time) {
	prev := c.cancel
	ctx, cancel := context.WithDeadline(c.ctx, t)
	c.ctx = ctx
	c.cancel = func() {
		cancel()
		prev()
	}
}

// Child creates a fresh Context for a sub-operation (one stream of a
// multiplexed session). The child shares the Runtime and follows the
// parent's cancellation but has an empty store of its own.
func (c *Context) Child() *Context {
	return NewContextFrom(c.ctx, c.runtime)
}

// Runtime returns the Runtime this operation runs under.
func (c *Context) Runtime() rt.Runtime { return c.runtime }

// Cancel sets the advisory cancellation flag. In-progress work is not
// aborted; layers and services return promptly at their next check.
func (c *Context) Cancel() { c.cancel() }

// IsCancelled reports whether Cancel has been called or the deadline has
// passed.
func (c *Context) IsCancelled() bool { return c.ctx.Err() != nil }

// Done exposes the cancellation signal for select-based suspension points.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns nil while the operation is live, or the stdlib context
// error once cancelled.
func (c *Context) Err() error { return c.ctx.Err() }

// StdContext returns the stdlib context carrying this operation's
// cancellation, for handing to net.Dialer and friends.
func (c *Context) StdContext() context.Context { return c.ctx }

// Set stores the single value of type T, replacing any previous one.
func Set[T any](c *Context, v T) {
	c.mu.Lock()
	c.store[reflect.TypeOf((*T)(nil)).Elem()] = v
	c.mu.Unlock()
}

// Get retrieves the stored value of type T. Absence is not an error.
func Get[T any](c *Context) (T, bool) {
	c.mu.Lock()
	v, ok := c.store[reflect.TypeOf((*T)(nil)).Elem()]
	c.mu.Unlock()
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustGet retrieves the stored value of type T, panicking on absence.
// For state a layer contract guarantees is present.
func MustGet[T any](c *Context) T {
	v, ok := Get[T](c)
	if !ok {
		panic("flow: missing context value of type " + reflect.TypeOf((*T)(nil)).Elem().String())
	}
	return v
}

// Delete removes the stored value of type T, if any.
func Delete[T any](c *Context) {
	c.mu.Lock()
	delete(c.store, reflect.TypeOf((*T)(nil)).Elem())
	c.mu.Unlock()
}
