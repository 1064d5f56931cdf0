package flow

// Service is the atomic unit of work: it consumes a Context and a request
// and produces a response or a classified error. A Service is built once
// and invoked repeatedly, possibly from many connections at once, so it
// must not hold unsynchronized mutable state shared across calls.
type Service[Q, S any] interface {
	Call(cx *Context, req Q) (S, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc[Q, S any] func(cx *Context, req Q) (S, error)

// Call invokes the function.
func (f ServiceFunc[Q, S]) Call(cx *Context, req Q) (S, error) {
	return f(cx, req)
}
