package layers

import (
	"weft/internal/compression"
	"weft/internal/flow"
	"weft/internal/proxy"
	"weft/internal/rt"
)

// Compress re-wraps the connection in the given compression codec.
// Bytes already peeked (the sniffed prefix) are compressed input too,
// so they are replayed into the codec rather than drained raw.
func Compress(codec compression.Codec) proxy.Layer {
	return proxy.LayerFunc(func(inner proxy.Service) proxy.Service {
		return proxy.ServiceFunc(func(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
			if cx.IsCancelled() {
				return nil, flow.Cancelled("compress")
			}
			under := req.Conn.Unwrap()
			if pre := req.Conn.Buffered(); len(pre) > 0 {
				under = &prefixStream{Stream: under, pre: append([]byte(nil), pre...)}
			}
			wrapped, err := compression.Stream(under, codec)
			if err != nil {
				return nil, flow.E(flow.KindLayer, "compress", err)
			}
			req.Conn.SwapConsumed(wrapped)
			return inner.Call(cx, req)
		})
	})
}

// prefixStream replays pre before reading from the stream again.
type prefixStream struct {
	rt.Stream
	pre []byte
}

func (p *prefixStream) Read(b []byte) (int, error) {
	if len(p.pre) > 0 {
		n := copy(b, p.pre)
		p.pre = p.pre[n:]
		return n, nil
	}
	return p.Stream.Read(b)
}
