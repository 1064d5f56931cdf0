// Package compression wraps byte streams in a compressed framing so a
// layer can trade CPU for bandwidth on high-volume links. Both sides of a
// connection must agree on the codec out of band.
package compression

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"

	"weft/internal/rt"
)

// Codec names a supported stream compression format.
type Codec string

const (
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"
)

// Valid reports whether c names a supported codec.
func (c Codec) Valid() bool {
	return c == CodecLZ4 || c == CodecZstd
}

type writeFlusher interface {
	io.Writer
	Flush() error
}

// Stream wraps s so reads decompress and writes compress. Each Write is
// flushed immediately; proxied traffic is interactive and cannot wait for
// a full frame to fill.
func Stream(s rt.Stream, codec Codec) (rt.Stream, error) {
	switch codec {
	case CodecLZ4:
		w := lz4.NewWriter(s)
		return &conn{Stream: s, r: lz4.NewReader(s), w: w, closer: w}, nil
	case CodecZstd:
		dec, err := zstd.NewReader(s)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		enc, err := zstd.NewWriter(s)
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return &conn{Stream: s, r: dec, w: enc, closer: enc}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

// conn is a compressed view over an underlying stream. Deadlines and
// addresses pass through untouched.
type conn struct {
	rt.Stream
	r      io.Reader
	w      writeFlusher
	closer io.Closer
}

func (c *conn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}

func (c *conn) Close() error {
	// Flush the codec's trailer before the transport goes away.
	c.closer.Close()
	return c.Stream.Close()
}
