// Package httpproxy implements an HTTP proxy terminal handler. CONNECT
// requests are tunnelled; absolute-form requests (GET http://host/...)
// are rewritten to origin-form and forwarded.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"weft/internal/flow"
	"weft/internal/proxy"
	"weft/internal/relay"
)

var connectEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// hopHeaders must not be forwarded to the origin (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DialFunc dials the origin server.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler is the HTTP proxy terminal service.
type Handler struct {
	Dial DialFunc
	// RequestTimeout bounds reading the initial request line and headers.
	// Zero defaults to 30 seconds.
	RequestTimeout time.Duration
}

// Call serves one proxied HTTP connection to completion.
func (h *Handler) Call(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("httpproxy")
	}
	conn := req.Conn

	timeout := h.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	br := bufio.NewReader(conn)
	httpReq, err := http.ReadRequest(br)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return nil, flow.E(flow.KindProtocol, "httpproxy", fmt.Errorf("read request: %w", err))
	}
	conn.SetReadDeadline(time.Time{})

	target, err := targetAddr(httpReq)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return nil, err
	}

	upstream, err := h.Dial(cx.StdContext(), "tcp", target)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return nil, flow.E(flow.KindHandler, "httpproxy", fmt.Errorf("dial %s: %w", target, err))
	}
	defer upstream.Close()

	var preIn int64
	if httpReq.Method == http.MethodConnect {
		if _, err := conn.Write(connectEstablished); err != nil {
			return nil, flow.E(flow.KindTransport, "httpproxy", err)
		}
	} else {
		stripHopHeaders(httpReq.Header)
		// Rewrite absolute-form to origin-form before forwarding.
		httpReq.RequestURI = ""
		if err := httpReq.Write(upstream); err != nil {
			return nil, flow.E(flow.KindTransport, "httpproxy", fmt.Errorf("forward request: %w", err))
		}
	}

	// Bytes the reader buffered past the request belong to the tunnel.
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		if _, err := upstream.Write(buffered); err != nil {
			return nil, flow.E(flow.KindTransport, "httpproxy", err)
		}
		br.Discard(n)
		preIn = int64(n)
	}

	in, out, err := relay.Pipe(cx, conn, upstream)
	res := &proxy.Result{Protocol: "http", BytesIn: in + preIn, BytesOut: out}
	if err != nil {
		return res, err
	}
	return res, nil
}

// targetAddr resolves the origin address from a proxy request. CONNECT
// carries authority-form (host:port); other methods must be absolute-form.
func targetAddr(r *http.Request) (string, error) {
	if r.Method == http.MethodConnect {
		if r.Host == "" {
			return "", flow.Errorf(flow.KindProtocol, "httpproxy", "CONNECT without authority")
		}
		if !strings.Contains(r.Host, ":") {
			return r.Host + ":443", nil
		}
		return r.Host, nil
	}
	if r.URL == nil || !r.URL.IsAbs() {
		return "", flow.Errorf(flow.KindProtocol, "httpproxy", "non-absolute request URI %q", r.RequestURI)
	}
	host := r.URL.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, nil
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

var _ proxy.Service = (*Handler)(nil)
