package proxy

import (
	"io"
	"net"
	"time"

	"weft/internal/rt"
)

// PeekConn wraps a stream with a pushback buffer so a bounded prefix can
// be inspected without being consumed. Reads drain the buffered prefix
// before touching the underlying stream, so a handler invoked after
// sniffing sees the connection from its first byte.
type PeekConn struct {
	stream rt.Stream
	buf    []byte
	off    int
}

// NewPeekConn wraps stream. If stream is already a PeekConn it is
// returned as is, preserving any buffered prefix.
func NewPeekConn(stream rt.Stream) *PeekConn {
	if pc, ok := stream.(*PeekConn); ok {
		return pc
	}
	return &PeekConn{stream: stream}
}

// Peek returns the first n bytes without consuming them, reading from the
// underlying stream as needed. It may return fewer bytes with an error if
// the stream ends or a deadline fires.
func (c *PeekConn) Peek(n int) ([]byte, error) {
	for c.buffered() < n {
		chunk := make([]byte, n-c.buffered())
		m, err := c.stream.Read(chunk)
		if m > 0 {
			c.buf = append(c.buf[c.off:], chunk[:m]...)
			c.off = 0
		}
		if err != nil {
			return c.buf[c.off:], err
		}
	}
	return c.buf[c.off : c.off+n], nil
}

func (c *PeekConn) buffered() int { return len(c.buf) - c.off }

// Read drains the peeked prefix first, then reads from the stream.
func (c *PeekConn) Read(p []byte) (int, error) {
	if c.buffered() > 0 {
		n := copy(p, c.buf[c.off:])
		c.off += n
		if c.buffered() == 0 {
			c.buf = nil
			c.off = 0
		}
		return n, nil
	}
	return c.stream.Read(p)
}

func (c *PeekConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *PeekConn) Close() error                { return c.stream.Close() }
func (c *PeekConn) LocalAddr() net.Addr         { return c.stream.LocalAddr() }
func (c *PeekConn) RemoteAddr() net.Addr        { return c.stream.RemoteAddr() }

func (c *PeekConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *PeekConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *PeekConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// Swap replaces the underlying stream while keeping the buffered prefix,
// used by layers that re-wrap the connection (compression).
func (c *PeekConn) Swap(stream rt.Stream) { c.stream = stream }

// Buffered returns the currently peeked, not yet consumed prefix.
func (c *PeekConn) Buffered() []byte { return c.buf[c.off:] }

// SwapConsumed replaces the underlying stream and discards the peeked
// prefix. The caller takes responsibility for those bytes, typically by
// replaying them into the replacement stream.
func (c *PeekConn) SwapConsumed(stream rt.Stream) {
	c.stream = stream
	c.buf = nil
	c.off = 0
}

// Unwrap exposes the underlying stream.
func (c *PeekConn) Unwrap() rt.Stream { return c.stream }

var _ rt.Stream = (*PeekConn)(nil)
var _ io.ReadWriteCloser = (*PeekConn)(nil)
