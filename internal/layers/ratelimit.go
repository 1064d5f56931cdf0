package layers

import (
	"weft/internal/flow"
	"weft/internal/proxy"
	"weft/internal/ratelimit"
	"weft/internal/rt"
)

// RateLimit enforces connection admission and byte throughput against a
// shared limiter. Admission failures short-circuit with a layer error;
// byte limits apply by wrapping the connection so relayed traffic paces
// or drops per the limiter's mode.
func RateLimit(l *ratelimit.Limiter) proxy.Layer {
	return proxy.LayerFunc(func(inner proxy.Service) proxy.Service {
		return proxy.ServiceFunc(func(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
			if cx.IsCancelled() {
				return nil, flow.Cancelled("ratelimit")
			}
			if !l.AllowConn() {
				return nil, flow.E(flow.KindLayer, "ratelimit", ratelimit.ErrLimited)
			}
			req.Conn.Swap(&limitedStream{Stream: req.Conn.Unwrap(), lim: l, cx: cx})
			return inner.Call(cx, req)
		})
	})
}

// limitedStream paces reads through the limiter. Pacing after the read
// keeps the byte accounting exact without touching the kernel buffer.
type limitedStream struct {
	rt.Stream
	lim *ratelimit.Limiter
	cx  *flow.Context
}

func (s *limitedStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if n > 0 {
		if lerr := s.lim.WaitBytes(s.cx.StdContext(), n); lerr != nil {
			return n, lerr
		}
	}
	return n, err
}

var _ rt.Stream = (*limitedStream)(nil)
