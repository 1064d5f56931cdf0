package layers

import (
	"time"

	"weft/internal/flow"
)

// Retry re-invokes the inner service up to attempts times for errors the
// predicate accepts, sleeping backoff between tries. Cancellation is
// never retried; after the last attempt the final error propagates
// unchanged. The request must be replayable for retrying to make sense;
// that judgment belongs to whoever assembles the stack.
func Retry[Q, S any](attempts int, backoff time.Duration, retryable func(error) bool) flow.Layer[Q, S] {
	if attempts < 1 {
		attempts = 1
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return flow.LayerFunc[Q, S](func(inner flow.Service[Q, S]) flow.Service[Q, S] {
		return flow.ServiceFunc[Q, S](func(cx *flow.Context, req Q) (S, error) {
			var (
				resp S
				err  error
			)
			for i := 0; i < attempts; i++ {
				if cx.IsCancelled() {
					return resp, flow.Cancelled("retry")
				}
				resp, err = inner.Call(cx, req)
				if err == nil {
					return resp, nil
				}
				if flow.IsCancelled(err) || !retryable(err) {
					return resp, err
				}
				if i < attempts-1 && backoff > 0 {
					if cx.Runtime().Sleep(cx.StdContext(), backoff) != nil {
						return resp, flow.Cancelled("retry")
					}
				}
			}
			return resp, err
		})
	})
}

// Recover converts a panicking inner service into a classified error, so
// one connection's bug cannot take out the process.
func Recover[Q, S any]() flow.Layer[Q, S] {
	return flow.LayerFunc[Q, S](func(inner flow.Service[Q, S]) flow.Service[Q, S] {
		return flow.ServiceFunc[Q, S](func(cx *flow.Context, req Q) (resp S, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = flow.Errorf(flow.KindHandler, "recover", "panic: %v", r)
				}
			}()
			return inner.Call(cx, req)
		})
	})
}
