package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// label values
const (
	KindRegister = "register"
	KindOneShot  = "oneshot"
	KindRejected = "rejected"
	KindError    = "error"

	ResultDelivered = "delivered"
	ResultRefused   = "refused"
	ResultFailed    = "failed"

	ReloadOK          = "ok"
	ReloadConfigError = "config_error"
	ReloadBindError   = "bind_error"
)

type Metrics struct {
	Accepted     *prometheus.CounterVec
	Registered   prometheus.Gauge
	Forwarded    *prometheus.CounterVec
	DecodeErrors prometheus.Counter
	Deliveries   *prometheus.CounterVec
	Reloads      *prometheus.CounterVec
}

// New creates the relay collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Accepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accepted_connections_total",
				Help:      "Inbound connections by handshake outcome.",
			},
			[]string{"kind"},
		),
		Registered: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_connections",
				Help:      "Currently registered connections.",
			},
		),
		Forwarded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwarded_chats_total",
				Help:      "Inbound chat frames handed to the display.",
			},
			[]string{"kind"},
		),
		DecodeErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Frames that could not be read or decoded.",
			},
		),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_deliveries_total",
				Help:      "Outbound per-peer deliveries by result.",
			},
			[]string{"result"},
		),
		Reloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Reload attempts by result.",
			},
			[]string{"result"},
		),
	}
}
