// Package proxy is the connection dispatch pipeline: it accepts transport
// streams, threads each one through a composed flow stack with a fresh
// Context, and routes by sniffed protocol to a terminal handler.
package proxy

import (
	"net"

	"weft/internal/flow"
)

// Request is the initial representation of an accepted connection as it
// enters the stack. Layers may replace Conn (compression, TLS unwrap) as
// long as the replacement still satisfies rt.Stream via PeekConn.
type Request struct {
	// Conn carries the inbound byte stream, peek-capable so the router
	// can classify without consuming.
	Conn *PeekConn
}

// Result summarizes a completed connection for the layers above the
// terminal handler.
type Result struct {
	// Protocol is the classification the connection was dispatched as.
	Protocol string
	// BytesIn counts client-to-upstream bytes.
	BytesIn int64
	// BytesOut counts upstream-to-client bytes.
	BytesOut int64
}

// Service and Layer are the pipeline instantiated at connection types.
type (
	Service = flow.Service[*Request, *Result]
	Layer   = flow.Layer[*Request, *Result]
)

// ServiceFunc and LayerFunc mirror the flow adapters.
type (
	ServiceFunc = flow.ServiceFunc[*Request, *Result]
	LayerFunc   = flow.LayerFunc[*Request, *Result]
)

// ClientAddr is the capability the dispatcher stores in every Context so
// any layer or handler can identify the peer.
type ClientAddr struct {
	Addr net.Addr
}
