package flow

// Layer transforms a Service into a new Service, adding behavior before,
// after, or around the wrapped call. Wrap runs once at stack-build time,
// never per call. A Layer may hold configuration fixed at construction but
// must not retain per-call mutable state; that belongs in the Context.
//
// A Layer that observes a cancelled Context before invoking the inner
// Service must short-circuit with a cancellation error. Inner errors are
// propagated unchanged unless recovery is the layer's documented purpose.
type Layer[Q, S any] interface {
	Wrap(inner Service[Q, S]) Service[Q, S]
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc[Q, S any] func(inner Service[Q, S]) Service[Q, S]

// Wrap invokes the function.
func (f LayerFunc[Q, S]) Wrap(inner Service[Q, S]) Service[Q, S] {
	return f(inner)
}
