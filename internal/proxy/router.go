package proxy

import (
	"time"

	"weft/internal/flow"
	"weft/internal/sniff"
)

// Route is the classification the router stores in the Context before
// forwarding, so layers and handlers below it can see what was sniffed.
type Route struct {
	Protocol sniff.Protocol
}

// Router is a Service that peeks a bounded prefix of the connection,
// classifies it, and forwards Context and Request unchanged to the
// matching terminal handler. It never alters outcomes, only dispatches.
type Router struct {
	window   int
	timeout  time.Duration
	handlers map[sniff.Protocol]Service
	fallback Service
}

// DefaultSniffWindow bounds how many bytes the router will peek before
// declaring a connection unclassifiable.
const DefaultSniffWindow = 16

// DefaultSniffTimeout bounds how long the router waits for enough bytes.
const DefaultSniffTimeout = 5 * time.Second

// NewRouter creates a router with the given sniff window and timeout;
// zero values select the defaults.
func NewRouter(window int, timeout time.Duration) *Router {
	if window <= 0 {
		window = DefaultSniffWindow
	}
	if timeout <= 0 {
		timeout = DefaultSniffTimeout
	}
	return &Router{
		window:   window,
		timeout:  timeout,
		handlers: make(map[sniff.Protocol]Service),
	}
}

// Register binds a terminal handler to a protocol. Registration happens
// at setup time, before the router serves connections.
func (r *Router) Register(p sniff.Protocol, svc Service) *Router {
	r.handlers[p] = svc
	return r
}

// RegisterFallback binds a handler for connections that match no known
// protocol. Without a fallback, unclassifiable input stays a protocol
// error. The sniffed prefix is peeked, never consumed, so the fallback
// sees the connection from its first byte.
func (r *Router) RegisterFallback(svc Service) *Router {
	r.fallback = svc
	return r
}

// Call classifies the connection and forwards to the registered handler.
// Unrecognized input after the sniff window is a protocol error; no
// handler is invoked and the connection is torn down by the dispatcher.
func (r *Router) Call(cx *flow.Context, req *Request) (*Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("router")
	}

	proto, err := r.classify(cx, req.Conn)
	if err != nil {
		if r.fallback != nil && flow.KindOf(err) == flow.KindProtocol {
			flow.Set(cx, Route{Protocol: sniff.ProtocolUnknown})
			return r.fallback.Call(cx, req)
		}
		return nil, err
	}

	handler, ok := r.handlers[proto]
	if !ok {
		return nil, flow.Errorf(flow.KindProtocol, "router", "no handler registered for %s", proto)
	}

	flow.Set(cx, Route{Protocol: proto})
	return handler.Call(cx, req)
}

func (r *Router) classify(cx *flow.Context, conn *PeekConn) (sniff.Protocol, error) {
	conn.SetReadDeadline(time.Now().Add(r.timeout))
	defer conn.SetReadDeadline(time.Time{})

	n := sniff.MinPrefix
	for {
		if cx.IsCancelled() {
			return "", flow.Cancelled("router")
		}
		prefix, err := conn.Peek(n)
		if err != nil {
			// Whatever arrived before EOF or the deadline is all the
			// classifier will ever get.
			if p := sniff.Classify(prefix); p != sniff.ProtocolUnknown {
				return p, nil
			}
			return "", flow.E(flow.KindProtocol, "router", err)
		}
		if p := sniff.Classify(prefix); p != sniff.ProtocolUnknown {
			return p, nil
		}
		if !sniff.NeedMore(prefix, r.window) {
			return "", flow.Errorf(flow.KindProtocol, "router",
				"unrecognized protocol after %d bytes", len(prefix))
		}
		n = len(prefix) + 1
	}
}

var _ Service = (*Router)(nil)
