// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"canteen/internal/access"
	"canteen/internal/checkin"
)

// Metrics implements access.Observer and checkin.Observer.
type Metrics struct {
	AccessDecisions *prometheus.CounterVec
	Credits         prometheus.Counter
	CreditedAmount  prometheus.Counter
	Identification  *prometheus.HistogramVec
	Candidates      prometheus.Gauge
	Students        prometheus.Gauge
	LoginFailures   prometheus.Counter
}

var (
	_ access.Observer  = (*Metrics)(nil)
	_ checkin.Observer = (*Metrics)(nil)
)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "access_decisions_total",
			Help:      "Meal access attempts by outcome and denial reason.",
		}, []string{"outcome", "reason"}),
		Credits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "credits_total",
			Help:      "Successful balance credits.",
		}),
		CreditedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "credited_amount_total",
			Help:      "Sum of credited amounts.",
		}),
		Identification: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canteen",
			Name:      "identification_duration_seconds",
			Help:      "Time to process one check-in frame.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"status"}),
		Candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canteen",
			Name:      "candidate_set_size",
			Help:      "Enrolled faces in the current candidate set.",
		}),
		Students: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canteen",
			Name:      "students",
			Help:      "Enrolled students.",
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "login_failures_total",
			Help:      "Rejected operator logins.",
		}),
	}
	reg.MustRegister(m.AccessDecisions, m.Credits, m.CreditedAmount, m.Identification, m.Candidates, m.Students, m.LoginFailures)
	return m
}

func (m *Metrics) ObserveAccess(granted bool, reason access.Reason) {
	if granted {
		m.AccessDecisions.WithLabelValues("granted", "").Inc()
		return
	}
	m.AccessDecisions.WithLabelValues("denied", string(reason)).Inc()
}

func (m *Metrics) ObserveCredit(amount decimal.Decimal) {
	m.Credits.Inc()
	m.CreditedAmount.Add(amount.InexactFloat64())
}

func (m *Metrics) ObserveIdentification(d time.Duration, status checkin.Status, _ string) {
	m.Identification.WithLabelValues(string(status)).Observe(d.Seconds())
}
