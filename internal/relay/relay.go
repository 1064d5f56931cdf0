// Package relay splices two byte streams bidirectionally with pooled
// buffers and byte accounting. Every stream handler funnels its steady
// state through here.
package relay

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"weft/internal/flow"
	"weft/internal/rt"
)

// BufferSize is the relay copy buffer size.
const BufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// Pipe relays traffic between client and upstream until one side closes,
// an error occurs, or the Context is cancelled. It returns bytes copied
// client-to-upstream and upstream-to-client. A clean EOF on either side
// is not an error; cancellation surfaces as a KindCancelled error.
//
// Cancellation is bound to the streams: when the Context is cancelled an
// immediate deadline is set on both so no blocked read stalls teardown.
func Pipe(cx *flow.Context, client, upstream rt.Stream) (in, out int64, err error) {
	type result struct {
		n   int64
		err error
	}

	inCh := make(chan result, 1)
	outCh := make(chan result, 1)

	cx.Runtime().Spawn(func() {
		n, err := copyPooled(upstream, client)
		inCh <- result{n, err}
	})
	cx.Runtime().Spawn(func() {
		n, err := copyPooled(client, upstream)
		outCh <- result{n, err}
	})

	unblock := func() {
		past := time.Unix(1, 0)
		client.SetDeadline(past)
		upstream.SetDeadline(past)
	}

	var first error
	cancelled := false
	cxDone := cx.Done()
	for inCh != nil || outCh != nil {
		select {
		case r := <-inCh:
			in = r.n
			if first == nil {
				first = r.err
			}
			inCh = nil
			unblock()
		case r := <-outCh:
			out = r.n
			if first == nil {
				first = r.err
			}
			outCh = nil
			unblock()
		case <-cxDone:
			cancelled = true
			cxDone = nil
			unblock()
		}
	}

	if cancelled || cx.IsCancelled() {
		return in, out, flow.Cancelled("relay")
	}
	if first != nil && !isExpectedClose(first) {
		return in, out, flow.E(flow.KindTransport, "relay", first)
	}
	return in, out, nil
}

// isExpectedClose filters the errors a half-closed splice produces in the
// normal course of teardown.
func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// The unblock deadline fired on the surviving direction.
		return true
	}
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	n, err := io.CopyBuffer(dst, src, *bufp)
	return n, err
}
