// Package metrics tracks pipeline activity. Counters are exported both as
// Prometheus collectors and as a JSON snapshot for quick inspection.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds every weft collector; the web endpoint serves it.
	Registry = prometheus.NewRegistry()

	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_connections_total",
		Help: "Connections dispatched, by sniffed protocol and final state.",
	}, []string{"protocol", "state"})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weft_connections_active",
		Help: "Connections currently in flight.",
	})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_bytes_total",
		Help: "Relayed bytes, by direction (in = client to upstream).",
	}, []string{"direction"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_errors_total",
		Help: "Connection errors, by classification.",
	}, []string{"kind"})

	dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_dispatch_duration_seconds",
		Help:    "Total time a connection spent in the stack.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func init() {
	Registry.MustRegister(connectionsTotal, connectionsActive, bytesTotal, errorsTotal, dispatchDuration)
}

var (
	connsTotal   atomic.Int64
	connsActive  atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	errsTotal    atomic.Int64
	lastActivity atomic.Int64
)

// ConnOpened records a connection entering the stack.
func ConnOpened() {
	connsTotal.Add(1)
	connsActive.Add(1)
	connectionsActive.Inc()
	lastActivity.Store(time.Now().Unix())
}

// ConnClosed records a finished connection with its final state,
// classification, and traffic counts. errKind is empty on success.
func ConnClosed(protocol, state string, in, out int64, dur time.Duration, errKind string) {
	connsActive.Add(-1)
	connectionsActive.Dec()
	if protocol == "" {
		protocol = "unknown"
	}
	connectionsTotal.WithLabelValues(protocol, state).Inc()
	dispatchDuration.Observe(dur.Seconds())

	bytesIn.Add(in)
	bytesOut.Add(out)
	bytesTotal.WithLabelValues("in").Add(float64(in))
	bytesTotal.WithLabelValues("out").Add(float64(out))

	if errKind != "" {
		errsTotal.Add(1)
		errorsTotal.WithLabelValues(errKind).Inc()
	}
	lastActivity.Store(time.Now().Unix())
}

// Snapshot is the JSON view served next to the Prometheus endpoint.
type Snapshot struct {
	ConnectionsTotal  int64 `json:"connections_total"`
	ConnectionsActive int64 `json:"connections_active"`
	BytesIn           int64 `json:"bytes_in"`
	BytesOut          int64 `json:"bytes_out"`
	ErrorsTotal       int64 `json:"errors_total"`
	LastActivityUnix  int64 `json:"last_activity_unix"`
}

// SnapshotData returns the current counters.
func SnapshotData() Snapshot {
	return Snapshot{
		ConnectionsTotal:  connsTotal.Load(),
		ConnectionsActive: connsActive.Load(),
		BytesIn:           bytesIn.Load(),
		BytesOut:          bytesOut.Load(),
		ErrorsTotal:       errsTotal.Load(),
		LastActivityUnix:  lastActivity.Load(),
	}
}
