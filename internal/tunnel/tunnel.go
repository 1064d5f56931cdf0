// Package tunnel multiplexes many logical connections over one carrier
// connection with smux. Each accepted stream runs the inner service
// under its own child Context, so cancelling one stream never touches
// its siblings while cancelling the carrier tears all of them down.
package tunnel

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/smux"

	"weft/internal/flow"
	"weft/internal/proxy"
)

// Config tunes the multiplexed session.
type Config struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
}

func (c Config) session() *smux.Config {
	cfg := smux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.KeepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if c.MaxReceiveBuffer > 0 {
		cfg.MaxReceiveBuffer = c.MaxReceiveBuffer
	}
	if c.MaxStreamBuffer > 0 {
		cfg.MaxStreamBuffer = c.MaxStreamBuffer
	}
	return cfg
}

// Handler is the server side of a tunnel: it accepts streams on the
// carrier connection and hands each one to Inner as its own request.
type Handler struct {
	Inner  proxy.Service
	Config Config
}

// Call serves one carrier connection until the session closes or the
// Context is cancelled.
func (h *Handler) Call(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("tunnel")
	}

	sess, err := smux.Server(req.Conn, h.Config.session())
	if err != nil {
		return nil, flow.E(flow.KindProtocol, "tunnel", err)
	}
	defer sess.Close()

	// Cancellation closes the session, which unblocks AcceptStream and
	// fails every live stream read.
	cx.Runtime().Spawn(func() {
		<-cx.Done()
		sess.Close()
	})

	var (
		wg       sync.WaitGroup
		bytesIn  atomic.Int64
		bytesOut atomic.Int64
	)
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			wg.Wait()
			res := &proxy.Result{
				Protocol: "tunnel",
				BytesIn:  bytesIn.Load(),
				BytesOut: bytesOut.Load(),
			}
			if cx.IsCancelled() {
				return res, flow.Cancelled("tunnel")
			}
			if sessionClosed(err) {
				return res, nil
			}
			return res, flow.E(flow.KindTransport, "tunnel", err)
		}

		child := cx.Child()
		wg.Add(1)
		cx.Runtime().Spawn(func() {
			defer wg.Done()
			defer stream.Close()
			sres, serr := h.Inner.Call(child, &proxy.Request{Conn: proxy.NewPeekConn(stream)})
			if sres != nil {
				bytesIn.Add(sres.BytesIn)
				bytesOut.Add(sres.BytesOut)
			}
			if serr != nil && !flow.IsCancelled(serr) {
				log.Printf("[tunnel] stream %d: %v", stream.ID(), serr)
			}
		})
	}
}

func sessionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, smux.ErrTimeout)
}

var _ proxy.Service = (*Handler)(nil)
