package flow

// Build nests layers around terminal in strict registration order: the
// first layer is outermost, so it sees the request first and the response
// last. No reordering, deduplication, or priority resolution happens; the
// caller owns the order. The returned Service is immutable and safe to
// reuse across connections.
func Build[Q, S any](layers []Layer[Q, S], terminal Service[Q, S]) Service[Q, S] {
	svc := terminal
	for i := len(layers) - 1; i >= 0; i-- {
		svc = layers[i].Wrap(svc)
	}
	return svc
}

// Builder assembles a stack fluently. Layers apply in the order they are
// registered with Use; Then supplies the terminal Service and builds.
type Builder[Q, S any] struct {
	layers []Layer[Q, S]
}

// NewBuilder creates an empty stack builder.
func NewBuilder[Q, S any]() *Builder[Q, S] {
	return &Builder[Q, S]{}
}

// Use appends a layer. The first layer registered becomes the outermost.
func (b *Builder[Q, S]) Use(l Layer[Q, S]) *Builder[Q, S] {
	b.layers = append(b.layers, l)
	return b
}

// UseFunc appends a layer given as a function.
func (b *Builder[Q, S]) UseFunc(f func(inner Service[Q, S]) Service[Q, S]) *Builder[Q, S] {
	return b.Use(LayerFunc[Q, S](f))
}

// Then terminates the stack with svc and returns the composed Service.
func (b *Builder[Q, S]) Then(svc Service[Q, S]) Service[Q, S] {
	return Build(b.layers, svc)
}

// ThenFunc terminates the stack with a service function.
func (b *Builder[Q, S]) ThenFunc(f func(cx *Context, req Q) (S, error)) Service[Q, S] {
	return b.Then(ServiceFunc[Q, S](f))
}
