// Package metrics exports driver counters to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zbncp"

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Valid frames received from the NCP.",
		},
		[]string{"kind"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Frames written to the NCP.",
		},
		[]string{"kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or packets discarded after validation.",
		},
		[]string{"reason"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests issued to the NCP by outcome.",
		},
		[]string{"command", "result"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from first transmission to response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "retries_total",
			Help:      "Request retransmissions.",
		},
		[]string{"command"},
	)
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "in_flight",
			Help:      "Requests awaiting a response.",
		},
	)
	unmatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "unmatched_total",
			Help:      "Packets not answering a pending request, by delivery.",
		},
		[]string{"delivery"},
	)
	observerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "observer_failures_total",
			Help:      "Indication callbacks that returned an error or panicked.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesReceived, framesSent, framesDropped,
			requests, requestDuration, retries, inFlight, unmatched, observerFailures)
	})
}

func FrameReceived(ack bool) { framesReceived.WithLabelValues(frameKind(ack)).Inc() }
func FrameSent(ack bool)     { framesSent.WithLabelValues(frameKind(ack)).Inc() }
func FrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

func RequestDone(command, result string, elapsed time.Duration) {
	requests.WithLabelValues(command, result).Inc()
	if result == "ok" {
		requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

func RequestRetried(command string) { retries.WithLabelValues(command).Inc() }
func InFlight(delta float64)        { inFlight.Add(delta) }

// Unmatched records how a packet outside any request was delivered:
// "waiter", "observer" or "none".
func Unmatched(delivery string) { unmatched.WithLabelValues(delivery).Inc() }
func ObserverFailed()           { observerFailures.Inc() }

func frameKind(ack bool) string {
	if ack {
		return "ack"
	}
	return "data"
}
