// Package passthrough relays TLS connections to an upstream chosen by
// SNI without terminating TLS. The ClientHello is peeked, never
// consumed, so the upstream sees the original handshake byte for byte.
package passthrough

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"weft/internal/flow"
	"weft/internal/lb"
	"weft/internal/proxy"
	"weft/internal/relay"
)

// DialFunc dials the chosen upstream.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler routes TLS connections by server name. Routes map an exact
// host or a "*.domain" wildcard to a balancer; Default catches servers
// with no matching route or no SNI at all.
type Handler struct {
	Routes  map[string]*lb.Balancer
	Default *lb.Balancer
	Dial    DialFunc
	// HelloTimeout bounds waiting for the full ClientHello. Zero
	// defaults to 10 seconds.
	HelloTimeout time.Duration
}

// Call relays one TLS connection to its SNI-selected upstream.
func (h *Handler) Call(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("passthrough")
	}
	conn := req.Conn

	hello, _, err := proxy.PeekClientHello(conn, h.HelloTimeout)
	if err != nil {
		return nil, err
	}

	balancer := h.route(hello.ServerName)
	if balancer == nil {
		return nil, flow.Errorf(flow.KindHandler, "passthrough", "no route for server name %q", hello.ServerName)
	}
	target := balancer.Pick(hello.ServerName)

	upstream, err := h.Dial(cx.StdContext(), "tcp", target.Address)
	if err != nil {
		balancer.Release(target, true)
		return nil, flow.E(flow.KindHandler, "passthrough", fmt.Errorf("dial %s: %w", target.Address, err))
	}

	in, out, err := relay.Pipe(cx, conn, upstream)
	upstream.Close()
	balancer.Release(target, err != nil && !flow.IsCancelled(err))

	res := &proxy.Result{Protocol: "tls", BytesIn: in, BytesOut: out}
	if err != nil {
		return res, err
	}
	return res, nil
}

// route matches an exact host first, then a wildcard one label up.
func (h *Handler) route(serverName string) *lb.Balancer {
	if serverName != "" && h.Routes != nil {
		if b, ok := h.Routes[serverName]; ok {
			return b
		}
		if i := strings.IndexByte(serverName, '.'); i >= 0 {
			if b, ok := h.Routes["*"+serverName[i:]]; ok {
				return b
			}
		}
	}
	return h.Default
}

var _ proxy.Service = (*Handler)(nil)
