// Package layers collects the stock cross-cutting layers: per-call
// timeout, bounded retry, panic recovery, access logging, metrics,
// rate limiting, and stream compression. Each one holds only
// construction-time configuration; per-call state rides in the Context.
package layers

import (
	"time"

	"weft/internal/flow"
)

// Timeout bounds a single stack invocation. When the duration elapses the
// Context is cancelled so the inner service unwinds cooperatively, and
// the caller sees a cancellation error instead of a response.
func Timeout[Q, S any](d time.Duration) flow.Layer[Q, S] {
	return flow.LayerFunc[Q, S](func(inner flow.Service[Q, S]) flow.Service[Q, S] {
		return flow.ServiceFunc[Q, S](func(cx *flow.Context, req Q) (S, error) {
			var zero S
			if cx.IsCancelled() {
				return zero, flow.Cancelled("timeout")
			}

			type result struct {
				resp S
				err  error
			}
			done := make(chan result, 1)
			cx.Runtime().Spawn(func() {
				resp, err := inner.Call(cx, req)
				done <- result{resp, err}
			})

			expired := make(chan struct{})
			cx.Runtime().Spawn(func() {
				if cx.Runtime().Sleep(cx.StdContext(), d) == nil {
					close(expired)
				}
			})

			select {
			case r := <-done:
				return r.resp, r.err
			case <-expired:
				cx.Cancel()
				return zero, flow.Cancelled("timeout")
			case <-cx.Done():
				return zero, flow.Cancelled("timeout")
			}
		})
	})
}
