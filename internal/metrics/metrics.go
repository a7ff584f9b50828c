// Package metrics is the process-wide Metrics external collaborator:
// connection counters and a byte counter the proxy core updates on the
// event-loop goroutine, readable as an instantaneous snapshot and also
// registered as Prometheus series in a per-instance registry.
//
// The counters themselves are plain atomics, the same shape as the
// teacher's own metrics.go (atomic.Uint64 fields with a Get()-style
// accessor); a prometheus.Registry sits alongside them so the same numbers
// are also exposed the idiomatic Go way, grounded on nabbar-golib's
// prometheus/metrics wrapper around client_golang.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the point-in-time view spec.md §4.6's Metrics.get() returns.
type Snapshot struct {
	Total     int64
	Current   int64
	Bytes     int64
	StartTime time.Time
}

// Metrics tracks connection and byte counters for the lifetime of the
// process. All methods are safe for concurrent use, though in socks5d
// every call, including the management protocol's Get, comes from the
// single event-loop goroutine: the management server shares the proxy's
// selector.
type Metrics struct {
	total   atomic.Int64
	current atomic.Int64
	bytes   atomic.Int64
	start   time.Time

	registry    *prometheus.Registry
	connTotal   prometheus.Counter
	connCurrent prometheus.Gauge
	bytesTotal  prometheus.Counter
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		start:    time.Now(),
		registry: prometheus.NewRegistry(),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socks5_connections_total",
			Help: "Total number of client connections whose CONNECT succeeded.",
		}),
		connCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socks5_connections_current",
			Help: "Number of open client connections whose CONNECT succeeded.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socks5_relayed_bytes_total",
			Help: "Total bytes relayed in either direction across all connections.",
		}),
	}
	m.registry.MustRegister(m.connTotal, m.connCurrent, m.bytesTotal)
	return m
}

// Registry exposes the underlying Prometheus registry. Nothing in socks5d
// serves it over HTTP; the management protocol reports the same counters
// through Get.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ConnectionOpened records a newly counted client connection. The proxy
// core calls it when a client's CONNECT to its destination succeeds, so
// clients that fail or hang up before that point are not counted.
func (m *Metrics) ConnectionOpened() {
	m.total.Add(1)
	m.current.Add(1)
	m.connTotal.Inc()
	m.connCurrent.Inc()
}

// ConnectionClosed records the teardown of a connection previously counted
// by ConnectionOpened.
func (m *Metrics) ConnectionClosed() {
	m.current.Add(-1)
	m.connCurrent.Dec()
}

// AddBytes records n additional bytes relayed, in either direction.
func (m *Metrics) AddBytes(n uint64) {
	m.bytes.Add(int64(n))
	m.bytesTotal.Add(float64(n))
}

// Get returns an instantaneous snapshot of all counters.
func (m *Metrics) Get() Snapshot {
	return Snapshot{
		Total:     m.total.Load(),
		Current:   m.current.Load(),
		Bytes:     m.bytes.Load(),
		StartTime: m.start,
	}
}
