package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery modes recorded by Metrics.Deliveries.
const (
	ModeEncrypted = "encrypted"
	ModePlaintext = "plaintext"
	ModeFallback  = "fallback"
	ModeDropped   = "dropped"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	Accepted          *prometheus.CounterVec // by transport
	ActiveSessions    prometheus.Gauge
	HandshakeDuration prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec // by reason
	Deliveries        *prometheus.CounterVec // by mode
	DecryptFailures   prometheus.Counter
	Kicked            prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Accepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted, by transport.",
		}, []string{"transport"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      "sessions_active",
			Help:      "Sessions currently in the active state.",
		}),
		HandshakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaychat",
			Name:      "handshake_duration_seconds",
			Help:      "Time spent deriving a session key after DHINIT.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		HandshakeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "handshake_errors_total",
			Help:      "Handshakes that fell back to plaintext, by reason.",
		}, []string{"reason"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "deliveries_total",
			Help:      "Lines handed to recipients, by mode.",
		}, []string{"mode"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "decrypt_failures_total",
			Help:      "Inbound envelopes replaced with the unreadable placeholder.",
		}),
		Kicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      "sessions_kicked_total",
			Help:      "Sessions disconnected because their send queue overflowed or a write failed.",
		}),
	}
}
