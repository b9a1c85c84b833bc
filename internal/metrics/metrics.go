// Package metrics exposes Prometheus instrumentation for the streaming core.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsubridge_streams",
		Help: "Streams currently in each non-offline status",
	}, []string{"status"})

	statusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsubridge_stream_status_changes_total",
		Help: "Stream status transitions by destination status",
	}, []string{"status"})

	clients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsubridge_clients",
		Help: "Connected stream clients",
	})

	tunerBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsubridge_tuner_read_bytes_total",
		Help: "Bytes read from tuner backends",
	})

	outputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsubridge_encoder_output_bytes_total",
		Help: "Encoded bytes fanned out to clients",
	})

	encoderRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsubridge_encoder_restarts_total",
		Help: "Encoder restarts by reason",
	}, []string{"reason"})

	clientEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsubridge_client_evictions_total",
		Help: "Clients dropped by the server, by reason",
	}, []string{"reason"})

	tunerOpenDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsubridge_tuner_open_duration_seconds",
		Help:    "Time taken to open a tuner",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	}, []string{"backend"})

	preemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsubridge_tuner_preemptions_total",
		Help: "Tuner preemption attempts by outcome",
	}, []string{"outcome"})
)

// MoveStreamStatus records a stream status transition. Offline streams are
// not gauged; they are the resting state of every defined stream.
func MoveStreamStatus(from, to string) {
	from = strings.ToLower(from)
	to = strings.ToLower(to)
	if from != "" && from != "offline" {
		streamsActive.WithLabelValues(from).Dec()
	}
	if to != "offline" {
		streamsActive.WithLabelValues(to).Inc()
	}
	statusChanges.WithLabelValues(to).Inc()
}

// IncClients records a client connect.
func IncClients() {
	clients.Inc()
}

// DecClients records a client disconnect or eviction.
func DecClients() {
	clients.Dec()
}

// AddTunerBytes counts bytes read from a tuner backend.
func AddTunerBytes(n int) {
	tunerBytes.Add(float64(n))
}

// AddOutputBytes counts encoded bytes written to clients.
func AddOutputBytes(n int) {
	outputBytes.Add(float64(n))
}

// IncEncoderRestart records an encoder restart.
func IncEncoderRestart(reason string) {
	encoderRestarts.WithLabelValues(strings.ToLower(reason)).Inc()
}

// IncClientEviction records a server-side client drop.
func IncClientEviction(reason string) {
	clientEvictions.WithLabelValues(strings.ToLower(reason)).Inc()
}

// ObserveTunerOpen records how long a tuner open took.
func ObserveTunerOpen(backend string, d time.Duration) {
	tunerOpenDuration.WithLabelValues(strings.ToLower(backend)).Observe(d.Seconds())
}

// IncPreemption records a preemption attempt outcome.
func IncPreemption(outcome string) {
	preemptions.WithLabelValues(strings.ToLower(outcome)).Inc()
}
