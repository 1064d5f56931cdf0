package layers

import (
	"log"
	"time"

	"weft/internal/flow"
	"weft/internal/metrics"
	"weft/internal/proxy"
)

// AccessLog logs one line per connection: peer, sniffed protocol, byte
// counts, duration, and outcome.
func AccessLog() proxy.Layer {
	return proxy.LayerFunc(func(inner proxy.Service) proxy.Service {
		return proxy.ServiceFunc(func(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
			if cx.IsCancelled() {
				return nil, flow.Cancelled("accesslog")
			}
			peer := "unknown"
			if ca, ok := flow.Get[proxy.ClientAddr](cx); ok {
				peer = ca.Addr.String()
			}

			start := time.Now()
			res, err := inner.Call(cx, req)
			dur := time.Since(start).Round(time.Millisecond)

			switch {
			case err == nil:
				log.Printf("access: %s proto=%s in=%d out=%d dur=%s",
					peer, res.Protocol, res.BytesIn, res.BytesOut, dur)
			case flow.IsCancelled(err):
				log.Printf("access: %s cancelled dur=%s", peer, dur)
			default:
				log.Printf("access: %s failed kind=%s dur=%s err=%v",
					peer, flow.KindOf(err), dur, err)
			}
			return res, err
		})
	})
}

// Metrics records every connection in the metrics package: open/close,
// protocol, outcome, bytes, and dispatch duration.
func Metrics() proxy.Layer {
	return proxy.LayerFunc(func(inner proxy.Service) proxy.Service {
		return proxy.ServiceFunc(func(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
			if cx.IsCancelled() {
				return nil, flow.Cancelled("metrics")
			}
			metrics.ConnOpened()
			start := time.Now()

			res, err := inner.Call(cx, req)

			protocol := ""
			var in, out int64
			if res != nil {
				protocol, in, out = res.Protocol, res.BytesIn, res.BytesOut
			} else if route, ok := flow.Get[proxy.Route](cx); ok {
				protocol = string(route.Protocol)
			}

			state, errKind := "completed", ""
			if err != nil {
				errKind = flow.KindOf(err).String()
				if flow.IsCancelled(err) {
					state = "cancelled"
				} else {
					state = "failed"
				}
			}
			metrics.ConnClosed(protocol, state, in, out, time.Since(start), errKind)
			return res, err
		})
	})
}
