// Package distort forwards TLS connections to their SNI-named origin
// while splitting the ClientHello into several TCP segments, optionally
// spaced out in time. Middleboxes that match the server name against a
// single packet never see it in one piece; the origin reassembles the
// byte stream unchanged.
package distort

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"weft/internal/flow"
	"weft/internal/proxy"
	"weft/internal/relay"
)

// DefaultChunkSize splits the hello into segments of this many bytes
// when no size is configured.
const DefaultChunkSize = 64

// DialFunc dials the origin server.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler is the hello-splitting terminal service.
type Handler struct {
	Dial DialFunc
	// ChunkSize is the segment size for the split hello. Zero means
	// DefaultChunkSize; 1 reproduces the classic first-byte split.
	ChunkSize int
	// Delay pauses between segments so they cannot be coalesced into
	// one packet. Zero writes them back to back.
	Delay time.Duration
	// Port is the origin port when the SNI carries none. Zero means 443.
	Port int
	// HelloTimeout bounds waiting for the full ClientHello.
	HelloTimeout time.Duration
}

// Call forwards one TLS connection with a split ClientHello.
func (h *Handler) Call(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("distort")
	}
	conn := req.Conn

	hello, helloLen, err := proxy.PeekClientHello(conn, h.HelloTimeout)
	if err != nil {
		return nil, err
	}
	if hello.ServerName == "" {
		return nil, flow.Errorf(flow.KindProtocol, "distort", "client hello carries no server name")
	}

	port := h.Port
	if port <= 0 {
		port = 443
	}
	target := net.JoinHostPort(hello.ServerName, strconv.Itoa(port))

	upstream, err := h.Dial(cx.StdContext(), "tcp", target)
	if err != nil {
		return nil, flow.E(flow.KindHandler, "distort", fmt.Errorf("dial %s: %w", target, err))
	}
	defer upstream.Close()

	raw := make([]byte, helloLen)
	if _, err := readFull(conn, raw); err != nil {
		return nil, flow.E(flow.KindTransport, "distort", err)
	}
	if err := h.writeSplit(cx, upstream, raw); err != nil {
		return nil, err
	}

	in, out, err := relay.Pipe(cx, conn, upstream)
	res := &proxy.Result{Protocol: "tls", BytesIn: in + int64(helloLen), BytesOut: out}
	if err != nil {
		return res, err
	}
	return res, nil
}

// writeSplit sends raw upstream in ChunkSize segments with Delay pauses.
func (h *Handler) writeSplit(cx *flow.Context, upstream net.Conn, raw []byte) error {
	size := h.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	for len(raw) > 0 {
		if size > len(raw) {
			size = len(raw)
		}
		if _, err := upstream.Write(raw[:size]); err != nil {
			return flow.E(flow.KindTransport, "distort", err)
		}
		raw = raw[size:]
		if h.Delay > 0 && len(raw) > 0 {
			if err := cx.Runtime().Sleep(cx.StdContext(), h.Delay); err != nil {
				return flow.Cancelled("distort")
			}
		}
	}
	return nil
}

func readFull(conn *proxy.PeekConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ proxy.Service = (*Handler)(nil)
