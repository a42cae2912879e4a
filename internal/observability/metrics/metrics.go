// Package metrics aggregates Prometheus counters and gauges for HTTP
// traffic, rendezvous lifecycle, and transfer outcomes, exposed on a
// dedicated metrics listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transfer outcome labels.
const (
	TransferSuccess       = "success"
	TransferFailed        = "failed"
	TransferSenderLost    = "sender_closed"
	TransferReceiversLost = "receivers_closed"
)

// Recorder owns a private Prometheus registry so independent instances (in
// particular, per-test instances) never collide on metric registration.
// Request labels are method and status only: rendezvous paths are arbitrary
// client input and would blow up label cardinality.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	pendingRendezvous prometheus.Gauge
	activeTransfers   prometheus.Gauge
	transfers         *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	relayedBytes      prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with all collectors registered on its own
// registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipedrop_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipedrop_http_request_duration_seconds",
			Help:    "HTTP request duration by method.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method"}),
		pendingRendezvous: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipedrop_pending_rendezvous",
			Help: "Paths currently waiting for their counterpart to arrive.",
		}),
		activeTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipedrop_active_transfers",
			Help: "Transfers currently streaming.",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipedrop_transfers_total",
			Help: "Finished transfers by outcome.",
		}, []string{"outcome"}),
		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipedrop_transfer_duration_seconds",
			Help:    "Transfer duration by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"outcome"}),
		relayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipedrop_relayed_bytes_total",
			Help: "Bytes read from senders and fanned out to receivers.",
		}),
	}
}

// Default returns the shared Recorder for callers that do not wire their
// own.
func Default() *Recorder {
	return defaultRecorder
}

// Handler exposes the recorder's registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest accumulates one finished HTTP exchange.
func (r *Recorder) ObserveRequest(method string, status int, duration time.Duration) {
	r.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RendezvousOpened tracks a path entering the pending state.
func (r *Recorder) RendezvousOpened() {
	r.pendingRendezvous.Inc()
}

// RendezvousClosed tracks a pending path leaving the registry, whether by
// promotion or by withdrawal of its last participant.
func (r *Recorder) RendezvousClosed() {
	r.pendingRendezvous.Dec()
}

// TransferStarted marks an established rendezvous entering streaming.
func (r *Recorder) TransferStarted() {
	r.activeTransfers.Inc()
}

// TransferFinished records one finished transfer with its outcome label.
func (r *Recorder) TransferFinished(outcome string, duration time.Duration) {
	r.activeTransfers.Dec()
	r.transfers.WithLabelValues(outcome).Inc()
	r.transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AddRelayedBytes accumulates bytes read from a source stream.
func (r *Recorder) AddRelayedBytes(n int) {
	r.relayedBytes.Add(float64(n))
}
