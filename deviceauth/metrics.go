package deviceauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/georgepadayatti/devauth/certvalidator"
)

// Metrics records authentication outcomes. A nil *Metrics records nothing.
type Metrics struct {
	authentications *prometheus.CounterVec
	policies        *prometheus.CounterVec
	duration        prometheus.Histogram
}

// NewMetrics creates the authentication metrics and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devauth_authentications_total",
				Help: "Device authentications by result; result is ok or the failure kind.",
			},
			[]string{"result"}),
		policies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devauth_device_policy_total",
				Help: "Successfully authenticated devices by device policy.",
			},
			[]string{"policy"}),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "devauth_authentication_duration_seconds",
				Help:    "Time spent verifying a device authentication response.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			}),
	}
	if reg != nil {
		reg.MustRegister(m.authentications, m.policies, m.duration)
	}
	return m
}

func (m *Metrics) observeSuccess(policy certvalidator.DevicePolicy, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authentications.WithLabelValues("ok").Inc()
	m.policies.WithLabelValues(policy.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeFailure(kind ErrorKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authentications.WithLabelValues(kind.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}
