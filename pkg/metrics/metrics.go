// Package metrics exposes Prometheus instrumentation for the framing
// and transaction layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	FrameCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modx_frames_total",
		Help: "The total number of frames processed, by framer and direction",
	}, []string{"framer", "direction", "status"})

	ResyncCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modx_resyncs_total",
		Help: "The total number of silent stream resynchronizations",
	}, []string{"framer", "reason"})

	TransactionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modx_transactions_total",
		Help: "The total number of completed client transactions",
	}, []string{"status"})

	RetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modx_retries_total",
		Help: "The total number of request retransmissions",
	})

	ReconnectCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modx_reconnects_total",
		Help: "The total number of transport reconnect attempts",
	})

	// Gauges
	InflightTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modx_inflight_transactions",
		Help: "The number of transactions currently awaiting a response",
	})
)

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Resync reason constants
const (
	ReasonScan  = "scan"
	ReasonCRC   = "crc"
	ReasonSlave = "slave"
	ReasonFrame = "frame"
)

// IncFrame increments the frame counter.
func IncFrame(framer, direction, status string) {
	FrameCount.WithLabelValues(framer, direction, status).Inc()
}

// IncResync increments the resynchronization counter.
func IncResync(framer, reason string) {
	ResyncCount.WithLabelValues(framer, reason).Inc()
}

// IncTransaction increments the transaction counter.
func IncTransaction(status string) {
	TransactionCount.WithLabelValues(status).Inc()
}
